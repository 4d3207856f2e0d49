// health.go - обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/dmzrelay/internal/config"
)

// statusFail - строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// ReadinessCheck - именованная проверка готовности (например, чтение таблицы).
type ReadinessCheck struct {
	Name  string
	Check func() error
}

// HealthHandler реализует health endpoints: /health, /health/ready.
type HealthHandler struct {
	version string
	service string
	role    string
	// dataDir - путь к директории данных (для проверки FS)
	dataDir string
	checks  []ReadinessCheck
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(service, role, dataDir string, checks ...ReadinessCheck) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		service: service,
		role:    role,
		dataDir: dataDir,
		checks:  checks,
	}
}

// HealthLive обрабатывает GET /health.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   h.service,
		"role":      h.role,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: директория данных доступна на запись, таблицы читаются.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	fsCheck := h.checkFilesystem()
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	checks := map[string]any{
		"filesystem": fsCheck,
	}

	for _, c := range h.checks {
		if err := c.Check(); err != nil {
			checks[c.Name] = map[string]any{
				"status":  statusFail,
				"message": err.Error(),
			}
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = map[string]any{"status": "ok"}
	}

	resp := map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   h.service,
		"role":      h.role,
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

// checkFilesystem проверяет доступность директории данных на запись.
func (h *HealthHandler) checkFilesystem() map[string]any {
	if h.dataDir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.dataDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория данных недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}
