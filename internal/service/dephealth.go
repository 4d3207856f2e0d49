// dephealth.go - интеграция с topologymetrics SDK для мониторинга соседних узлов.
//
// Сторона (corporate, low) мониторит:
//   - шлюз (HTTP GET /health, critical)
//
// Шлюз мониторит:
//   - корпоративную сторону (HTTP GET /health, critical)
//   - низкую сторону (HTTP GET /health, critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health - состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds - задержка проверки
//   - app_dependency_status - категория статуса
//   - app_dependency_status_detail - детальный статус
//
// Мониторинг только наблюдает: доставка не ждёт и не блокируется по его результату.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks" // Регистрация фабрик checker-ов (HTTP и др.)
	"github.com/prometheus/client_golang/prometheus"
)

// healthPath - liveness endpoint соседнего узла.
const healthPath = "/health"

// PeerTarget - соседний узел, доступность которого отслеживается.
type PeerTarget struct {
	// Name - имя зависимости в метриках (gateway, corporate, low)
	Name string
	// URL - базовый URL узла
	URL string
}

// DephealthService - сервис мониторинга соседних узлов через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	names  []string
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceName - имя вершины графа текущего узла (DEPHEALTH_NAME или DMZ_SERVICE_NAME)
//   - group - имя группы в метриках (DMZ_DEPHEALTH_GROUP)
//   - targets - соседние узлы
//   - checkInterval - интервал проверки (DMZ_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceName string,
	group string,
	targets []PeerTarget,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceName, group, targets, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceName string,
	group string,
	targets []PeerTarget,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceName, group, targets, checkInterval, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceName string,
	group string,
	targets []PeerTarget,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("не задано ни одного узла для мониторинга")
	}

	opts := make([]dephealth.Option, 0, 1+len(targets)+len(extraOpts))
	opts = append(opts, dephealth.WithLogger(logger))

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		parsed, err := url.Parse(t.URL)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("некорректный URL узла %s: %q", t.Name, t.URL)
		}

		depOpts := []dephealth.DependencyOption{
			dephealth.FromURL(t.URL),
			dephealth.WithHTTPHealthPath(healthPath),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		}
		if parsed.Scheme == "https" {
			depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP(t.Name, depOpts...))
		names = append(names, t.Name)
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceName, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		names:  names,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку узлов.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг соседних узлов запущен", slog.Any("targets", ds.names))
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг соседних узлов остановлен")
}

// Health возвращает текущее состояние узлов.
// Ключ - имя зависимости с адресом, значение - true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
