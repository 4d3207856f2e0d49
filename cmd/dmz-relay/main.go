// Точка входа DMZ relay. Роль узла (corporate, gateway, low) задаётся DMZ_ROLE.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bigkaa/dmzrelay/internal/api/handlers"
	"github.com/bigkaa/dmzrelay/internal/app"
	"github.com/bigkaa/dmzrelay/internal/config"
	"github.com/bigkaa/dmzrelay/internal/service"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("DMZ relay запускается",
		slog.String("role", cfg.Role.String()),
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.String("outbound_worst_case", cfg.OutboundWorstCase().String()),
	)

	// --- Инициализация компонентов ---

	// 1. Компоненты роли и HTTP-маршруты
	node, err := app.New(cfg, logger, handlers.ReadinessCheck{
		Name:  "disk",
		Check: diskSpaceCheck(cfg.DataDir, minFreeBytes),
	})
	if err != nil {
		logger.Error("Ошибка инициализации узла", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Сигналы остановки
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. topologymetrics - мониторинг соседних узлов
	var dephealthSvc *service.DephealthService
	if cfg.DephealthEnabled {
		dephealthSvc = startDephealth(ctx, cfg, node.Peers(), logger)
	}

	// 4. HTTP-сервер до получения сигнала
	runErr := node.Run(ctx)

	// --- Graceful shutdown фоновых процессов ---
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("DMZ relay остановлен")
}

// startDephealth запускает мониторинг. Ошибки не фатальны: узел работает
// без мониторинга.
func startDephealth(ctx context.Context, cfg *config.Config, peers []service.PeerTarget, logger *slog.Logger) *service.DephealthService {
	name := dephealthName(cfg)
	svc, err := service.NewDephealthService(name, cfg.DephealthGroup, peers, cfg.DephealthCheckInterval, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("name", name),
		slog.Int("peers", len(peers)),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return svc
}

// dephealthName: DEPHEALTH_NAME, затем владелец пода по hostname, затем имя сервиса.
func dephealthName(cfg *config.Config) string {
	if cfg.DephealthName != "" {
		return cfg.DephealthName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return parseOwnerName(host)
	}
	return cfg.ServiceName
}
