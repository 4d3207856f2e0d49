// Пакет app - сборка компонентов узла по роли.
//
// Один и тот же бинарник работает как corporate, low или gateway.
// Компоненты, не нужные роли, не создаются, а их маршруты не регистрируются.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/bigkaa/dmzrelay/internal/api/handlers"
	"github.com/bigkaa/dmzrelay/internal/config"
	"github.com/bigkaa/dmzrelay/internal/directory"
	"github.com/bigkaa/dmzrelay/internal/domain/role"
	"github.com/bigkaa/dmzrelay/internal/forwarder"
	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/outbound"
	"github.com/bigkaa/dmzrelay/internal/server"
	"github.com/bigkaa/dmzrelay/internal/service"
	"github.com/bigkaa/dmzrelay/internal/storage/atomicfile"
	"github.com/bigkaa/dmzrelay/internal/storage/auditstore"
	"github.com/bigkaa/dmzrelay/internal/storage/messagestore"
	"github.com/bigkaa/dmzrelay/internal/validator"
	"github.com/bigkaa/dmzrelay/internal/whitelist"
)

// App - собранный узел.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Router    http.Handler
	Server    *server.Server
	Messages  *messagestore.Store
	Whitelist *whitelist.Authorizer
	Directory *directory.Directory
	Audit     *auditstore.Store
}

// New создаёт все компоненты узла для роли cfg.Role.
// extra добавляются к проверкам готовности роли.
func New(cfg *config.Config, logger *slog.Logger, extra ...handlers.ReadinessCheck) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	// 1. Директория данных
	if err := os.MkdirAll(cfg.DataDir, atomicfile.DirPerm); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", cfg.DataDir, err)
	}

	// 2. Валидатор
	v, err := validator.New(cfg.SchemaVariants)
	if err != nil {
		return nil, fmt.Errorf("инициализация валидатора: %w", err)
	}

	var (
		deps   handlers.RelayDeps
		checks []handlers.ReadinessCheck
	)

	// 3. Компоненты роли
	switch {
	case cfg.Role.IsSide():
		checks, err = a.buildSide(v, &deps)
	case cfg.Role == role.Gateway:
		err = a.buildGateway(v, &deps)
	default:
		err = fmt.Errorf("неизвестная роль %q", cfg.Role)
	}
	if err != nil {
		return nil, err
	}

	checks = append(checks, extra...)

	// 4. HTTP
	relay := handlers.NewRelayHandler(deps, logger)
	health := handlers.NewHealthHandler(cfg.ServiceName, cfg.Role.String(), cfg.DataDir, checks...)
	a.Router = server.NewRouter(cfg, logger, relay, health)
	a.Server = server.New(cfg, logger, a.Router)

	return a, nil
}

// buildSide собирает corporate или low.
func (a *App) buildSide(v *validator.Validator, deps *handlers.RelayDeps) ([]handlers.ReadinessCheck, error) {
	cfg := a.cfg

	store, err := messagestore.New(cfg.DataDir, a.logger)
	if err != nil {
		return nil, err
	}
	a.Messages = store

	self := cfg.Corporate
	if cfg.Role == role.Low {
		self = cfg.Low
	}
	gateway, err := outbound.New(outbound.Options{
		Name:           "gateway",
		BaseURL:        cfg.Gateway.URL,
		IdentityHeader: cfg.IdentityHeader,
		Identity:       self.Identity,
		OriginSide:     cfg.Role.String(),
		TLS:            clientTLS(cfg.Gateway.TLS),
		AttemptTimeout: cfg.OutboundAttemptTimeout,
		InitialBackoff: cfg.OutboundInitialBackoff,
		MaxRetries:     cfg.OutboundMaxRetries,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	checks := []handlers.ReadinessCheck{}

	// Авторизация проектов только на корпоративной стороне
	var authorizer service.ProjectAuthorizer
	if cfg.Role == role.Corporate {
		table := whitelist.NewTable(filepath.Join(cfg.DataDir, whitelist.FileName), a.logger)
		if err := table.EnsureExists(); err != nil {
			return nil, fmt.Errorf("инициализация whitelist: %w", err)
		}
		a.Whitelist = whitelist.New(table, a.logger)
		authorizer = a.Whitelist
		checks = append(checks, handlers.ReadinessCheck{Name: "whitelist", Check: func() error {
			_, err := table.ReadCurrent()
			return err
		}})
	}

	deps.Sender = service.NewSendService(v, authorizer, store, gateway, a.logger)
	deps.Receiver = service.NewReceiveService(v, authorizer, store, cfg.Gateway.Identity, a.logger)

	if cfg.Role.CanPerform(role.OpSyncUser) {
		table := directory.NewTable(filepath.Join(cfg.DataDir, directory.FileName), a.logger)
		if err := table.EnsureExists(); err != nil {
			return nil, fmt.Errorf("инициализация каталога пользователей: %w", err)
		}
		a.Directory = directory.New(table, a.logger)
		deps.Users = service.NewUserSyncService(v, a.Directory, cfg.Gateway.Identity, a.logger)
		checks = append(checks, handlers.ReadinessCheck{Name: "users", Check: func() error {
			_, err := table.ReadCurrent()
			return err
		}})
	}

	return checks, nil
}

// buildGateway собирает шлюз: аудит и по одному клиенту на сторону.
func (a *App) buildGateway(v *validator.Validator, deps *handlers.RelayDeps) error {
	cfg := a.cfg

	audit, err := auditstore.New(cfg.DataDir, a.logger)
	if err != nil {
		return err
	}
	a.Audit = audit

	newClient := func(name string, peer config.Peer) (*outbound.Client, error) {
		return outbound.New(outbound.Options{
			Name:           name,
			BaseURL:        peer.URL,
			IdentityHeader: cfg.IdentityHeader,
			Identity:       cfg.Gateway.Identity,
			TLS:            clientTLS(peer.TLS),
			AttemptTimeout: cfg.OutboundAttemptTimeout,
			InitialBackoff: cfg.OutboundInitialBackoff,
			MaxRetries:     cfg.OutboundMaxRetries,
		}, a.logger)
	}
	corporate, err := newClient("corporate", cfg.Corporate)
	if err != nil {
		return err
	}
	low, err := newClient("low", cfg.Low)
	if err != nil {
		return err
	}

	resolver := origin.NewResolver(cfg.Corporate.Identity, cfg.Low.Identity)
	deps.Forwarder = forwarder.New(resolver, audit, v,
		forwarder.Clients{Corporate: corporate, Low: low}, a.logger)
	return nil
}

// Peers возвращает соседние узлы для мониторинга доступности.
func (a *App) Peers() []service.PeerTarget {
	if a.cfg.Role == role.Gateway {
		return []service.PeerTarget{
			{Name: "corporate", URL: a.cfg.Corporate.URL},
			{Name: "low", URL: a.cfg.Low.URL},
		}
	}
	return []service.PeerTarget{{Name: "gateway", URL: a.cfg.Gateway.URL}}
}

// Run запускает HTTP-сервер до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	return a.Server.Run(ctx)
}

func clientTLS(t config.ClientTLS) outbound.TLSFiles {
	return outbound.TLSFiles{CACert: t.CACert, ClientCert: t.ClientCert, ClientKey: t.ClientKey}
}
