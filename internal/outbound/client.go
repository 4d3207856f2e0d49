// Пакет outbound - исходящий HTTP-клиент с ограниченным числом повторов.
//
// Повтор выполняется при таймауте, сетевой ошибке или ответе 5xx.
// Ответ 4xx не повторяется. Пауза перед повтором: initial * 2^n
// (по умолчанию 0.5s, затем 1s). Каждая попытка имеет собственный таймаут.
// Неудача всегда возвращается вызывающему как *relayerr.DeliveryError.
//
// У каждого клиента свой транспорт и своя TLS-идентичность, поэтому
// соединения разных сторон никогда не смешиваются.
package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
)

// maxResponseBody - сколько байт ответа читается для логов и результата.
const maxResponseBody = 64 << 10

// HeaderRequestID - заголовок корреляции запроса между узлами.
const HeaderRequestID = "X-Request-ID"

// Пути, на которые узлы отправляют записи.
const (
	PathMessages    = "/messages"
	PathUsers       = "/users"
	PathDMZMessages = "/dmz/messages"
	PathDMZUsers    = "/dmz/users"
)

// Prometheus-метрики доставки.
var (
	deliveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmz_delivery_attempts_total",
		Help: "Попытки исходящей доставки по результату.",
	}, []string{"target", "result"})
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmz_deliveries_total",
		Help: "Итог исходящей доставки: delivered, rejected, exhausted, canceled.",
	}, []string{"target", "result"})
	deliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dmz_delivery_duration_seconds",
		Help:    "Полное время доставки с учётом повторов.",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})
)

// TLSFiles - файлы TLS-идентичности клиента. Все поля опциональны.
type TLSFiles struct {
	CACert     string
	ClientCert string
	ClientKey  string
}

// Options - параметры клиента.
type Options struct {
	// Name - метка получателя для логов и метрик (gateway, corporate, low)
	Name string
	// BaseURL - базовый URL получателя без завершающего '/'
	BaseURL string
	// IdentityHeader и Identity - заголовок идентичности для сред без
	// reverse proxy. В рабочей среде прокси перезаписывает его сам.
	IdentityHeader string
	Identity       string
	// OriginSide - сторона, от имени которой отправляются запросы (опционально)
	OriginSide string
	TLS        TLSFiles

	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxRetries     int

	// Clock - источник таймеров пауз; nil - реальное время
	Clock clock.Clock
	// Transport - подмена транспорта (тесты); nil - собственный транспорт клиента
	Transport http.RoundTripper
}

// Client - исходящий клиент к одному получателю.
type Client struct {
	opts       Options
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// DeliveryResult - успешная доставка.
type DeliveryResult struct {
	StatusCode int
	Attempts   int
	Body       []byte
}

// New создаёт клиента.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("не задан адрес получателя %q", opts.Name)
	}
	if opts.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("таймаут попытки должен быть положительным")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("количество повторов не может быть отрицательным")
	}

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		tlsConfig, err := buildTLSConfig(opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("TLS-идентичность клиента %s: %w", opts.Name, err)
		}
		if tlsConfig != nil {
			t.TLSClientConfig = tlsConfig
		}
		transport = t
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Transport: transport,
			// Редиректы не выполняются: ответ 3xx считается отказом
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		clock: clk,
		logger: logger.With(
			slog.String("component", "outbound_client"),
			slog.String("target", opts.Name),
		),
	}, nil
}

// buildTLSConfig собирает TLS-конфигурацию. Если задан CA, доверие
// ограничивается только им (без системного пула).
func buildTLSConfig(files TLSFiles) (*tls.Config, error) {
	if files.CACert == "" && files.ClientCert == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if files.CACert != "" {
		pem, err := os.ReadFile(files.CACert)
		if err != nil {
			return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-сертификатов", files.CACert)
		}
		cfg.RootCAs = pool
	}

	if files.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(files.ClientCert, files.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("загрузка клиентского сертификата: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Send отправляет payload методом POST на {BaseURL}{path}.
// request_id берётся из контекста и передаётся в X-Request-ID.
func (c *Client) Send(ctx context.Context, path string, payload []byte) (*DeliveryResult, error) {
	start := time.Now()
	defer func() {
		deliveryDuration.WithLabelValues(c.opts.Name).Observe(time.Since(start).Seconds())
	}()

	url := c.opts.BaseURL + path
	attempts := c.opts.MaxRetries + 1
	requestID := reqctx.RequestID(ctx)

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.opts.InitialBackoff << (attempt - 1)
			c.logger.Warn("Повтор доставки",
				slog.String("request_id", requestID),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
				slog.Int("last_status", lastStatus),
			)
			if err := c.sleep(ctx, delay); err != nil {
				deliveriesTotal.WithLabelValues(c.opts.Name, "canceled").Inc()
				return nil, &relayerr.DeliveryError{Target: url, Attempts: attempt, LastStatus: lastStatus, Err: err}
			}
		}

		status, body, err := c.attempt(ctx, url, requestID, payload)
		if err != nil {
			if ctx.Err() != nil {
				deliveryAttemptsTotal.WithLabelValues(c.opts.Name, "canceled").Inc()
				deliveriesTotal.WithLabelValues(c.opts.Name, "canceled").Inc()
				return nil, &relayerr.DeliveryError{Target: url, Attempts: attempt + 1, Err: ctx.Err()}
			}
			result := "transport_error"
			if isTimeout(err) {
				result = "timeout"
			}
			deliveryAttemptsTotal.WithLabelValues(c.opts.Name, result).Inc()
			lastErr, lastStatus = err, 0
			continue
		}

		switch {
		case status >= 200 && status < 300:
			deliveryAttemptsTotal.WithLabelValues(c.opts.Name, "ok").Inc()
			deliveriesTotal.WithLabelValues(c.opts.Name, "delivered").Inc()
			return &DeliveryResult{StatusCode: status, Attempts: attempt + 1, Body: body}, nil
		case status >= 500:
			deliveryAttemptsTotal.WithLabelValues(c.opts.Name, "server_error").Inc()
			lastErr, lastStatus = nil, status
		default:
			deliveryAttemptsTotal.WithLabelValues(c.opts.Name, "rejected").Inc()
			deliveriesTotal.WithLabelValues(c.opts.Name, "rejected").Inc()
			c.logger.Warn("Получатель отклонил запрос",
				slog.String("request_id", requestID),
				slog.Int("status", status),
				slog.String("body", truncate(body, 256)),
			)
			return nil, &relayerr.DeliveryError{Target: url, Attempts: attempt + 1, LastStatus: status, Rejected: true}
		}
	}

	deliveriesTotal.WithLabelValues(c.opts.Name, "exhausted").Inc()
	c.logger.Error("Доставка не удалась, попытки исчерпаны",
		slog.String("request_id", requestID),
		slog.Int("attempts", attempts),
		slog.Int("last_status", lastStatus),
		slog.Any("error", lastErr),
	)
	return nil, &relayerr.DeliveryError{Target: url, Attempts: attempts, LastStatus: lastStatus, Err: lastErr}
}

// attempt выполняет одну попытку с собственным таймаутом.
func (c *Client) attempt(ctx context.Context, url, requestID string, payload []byte) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	if requestID != "" {
		req.Header.Set(HeaderRequestID, requestID)
	}
	if c.opts.IdentityHeader != "" && c.opts.Identity != "" {
		req.Header.Set(c.opts.IdentityHeader, c.opts.Identity)
	}
	if c.opts.OriginSide != "" {
		req.Header.Set(origin.HeaderSide, c.opts.OriginSide)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("запрос к %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		// Статус уже получен; тело нужно только для логов
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, body, nil
}

// sleep ждёт d или отмены контекста.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isTimeout определяет, была ли ошибка таймаутом попытки.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
