// Пакет server - HTTP-сервер узла DMZ-релея с graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/bigkaa/dmzrelay/internal/api/errors"
	"github.com/bigkaa/dmzrelay/internal/api/handlers"
	"github.com/bigkaa/dmzrelay/internal/api/middleware"
	"github.com/bigkaa/dmzrelay/internal/config"
	"github.com/bigkaa/dmzrelay/internal/domain/role"
	"github.com/bigkaa/dmzrelay/internal/outbound"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
)

// pathLegacyMessage - прежний адрес приёма сообщений на шлюзе, на который
// ещё могут слать старые стороны.
const pathLegacyMessage = "/message"

// Server - HTTP-сервер узла.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер. handler обычно получен из NewRouter.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// NewRouter собирает chi-роутер. Маршрут операции регистрируется только
// если роль её допускает; для остальных путей ответ 404.
func NewRouter(cfg *config.Config, logger *slog.Logger, relay *handlers.RelayHandler, health *handlers.HealthHandler) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(chimw.Recoverer)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierrors.NotFound(w, reqctx.RequestID(r.Context()))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierrors.MethodNotAllowed(w, reqctx.RequestID(r.Context()))
	})

	router.Get("/health", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(middleware.Origin(cfg.IdentityHeader))
		if cfg.RateLimitRPS > 0 {
			r.Use(middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware())
		}
		r.Use(middleware.MaxBodyBytes(cfg.MaxBodyBytes))

		if cfg.Role.CanPerform(role.OpSendMessage) {
			r.Post(outbound.PathMessages, relay.SendMessage)
		}
		if cfg.Role.CanPerform(role.OpReceiveMessage) {
			r.Post(outbound.PathDMZMessages, relay.ReceiveMessage)
		}
		if cfg.Role.CanPerform(role.OpForwardMessage) {
			r.Post(outbound.PathMessages, relay.ForwardMessage)
			r.Post(pathLegacyMessage, relay.ForwardMessage)
		}
		if cfg.Role.CanPerform(role.OpForwardUser) {
			r.Post(outbound.PathUsers, relay.ForwardUser)
		}
		if cfg.Role.CanPerform(role.OpSyncUser) {
			r.Post(outbound.PathDMZUsers, relay.SyncUser)
		}
	})

	return router
}

// Run запускает сервер и блокируется до отмены ctx или ошибки сервера.
// После отмены ctx выполняется graceful shutdown с таймаутом ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
