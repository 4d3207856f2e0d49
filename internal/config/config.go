// Пакет config - загрузка и валидация конфигурации DMZ-релея
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/role"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// ClientTLS - TLS-идентичность исходящего клиента (все поля опциональны).
type ClientTLS struct {
	// Путь к CA-сертификату получателя
	CACert string
	// Путь к клиентскому сертификату
	ClientCert string
	// Путь к приватному ключу клиентского сертификата
	ClientKey string
}

// Peer - адрес и идентичность одной из сторон или шлюза.
type Peer struct {
	// Базовый URL (например, https://gateway.dmz:8443)
	URL string
	// Метка идентичности, которую прокси передаёт в заголовке
	Identity string
	// TLS-параметры клиента при обращении к этому узлу
	TLS ClientTLS
}

// Config содержит все параметры конфигурации узла.
type Config struct {
	// Роль узла: corporate, low, gateway
	Role role.Role
	// Имя сервиса в логах и метриках
	ServiceName string
	// Порт HTTP-сервера
	Port int
	// Путь к директории данных
	DataDir string
	// Принимаемые версии схемы сообщений
	SchemaVariants []model.Variant
	// Заголовок с идентичностью клиента, который выставляет reverse proxy
	IdentityHeader string

	// Шлюз (для corporate и low)
	Gateway Peer
	// Корпоративная сторона (для gateway)
	Corporate Peer
	// Низкая сторона (для gateway)
	Low Peer

	// Таймаут одной попытки исходящего запроса
	OutboundAttemptTimeout time.Duration
	// Пауза перед первым повтором, далее удваивается
	OutboundInitialBackoff time.Duration
	// Количество повторов после первой попытки
	OutboundMaxRetries int

	// Максимальный размер тела запроса в байтах
	MaxBodyBytes int64
	// Лимит запросов в секунду на одного отправителя (0 - без ограничения)
	RateLimitRPS float64
	// Размер burst для лимитера
	RateLimitBurst int

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Включён ли мониторинг зависимостей topologymetrics
	DephealthEnabled bool
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name (DEPHEALTH_NAME)
	DephealthName string

	// Путь к TLS сертификату (опционально, обычно TLS завершается на прокси)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// DMZ_ROLE - обязательный
	roleStr, err := getEnvRequired("DMZ_ROLE")
	if err != nil {
		return nil, err
	}
	cfg.Role, err = role.Parse(roleStr)
	if err != nil {
		return nil, fmt.Errorf("DMZ_ROLE: %w", err)
	}

	// DMZ_SERVICE_NAME - имя сервиса (по умолчанию dmz-<role>)
	cfg.ServiceName = getEnvDefault("DMZ_SERVICE_NAME", "dmz-"+cfg.Role.String())

	// DMZ_PORT - порт HTTP-сервера (по умолчанию 8080)
	port, err := getEnvInt("DMZ_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("DMZ_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("DMZ_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// DMZ_DATA_DIR - директория данных (по умолчанию ./data)
	cfg.DataDir = getEnvDefault("DMZ_DATA_DIR", "./data")

	// DMZ_SCHEMA_VARIANTS - принимаемые версии схемы (по умолчанию iso,legacy)
	cfg.SchemaVariants, err = parseVariants(getEnvDefault("DMZ_SCHEMA_VARIANTS", "iso,legacy"))
	if err != nil {
		return nil, fmt.Errorf("DMZ_SCHEMA_VARIANTS: %w", err)
	}

	// DMZ_IDENTITY_HEADER - заголовок идентичности от reverse proxy
	cfg.IdentityHeader = getEnvDefault("DMZ_IDENTITY_HEADER", "X-Client-Cert-DN")

	cfg.Gateway = loadPeer("GATEWAY")
	cfg.Corporate = loadPeer("CORPORATE")
	cfg.Low = loadPeer("LOW")

	if err := validatePeers(cfg); err != nil {
		return nil, err
	}

	// DMZ_OUTBOUND_ATTEMPT_TIMEOUT - таймаут одной попытки (по умолчанию 1s)
	cfg.OutboundAttemptTimeout, err = getEnvDuration("DMZ_OUTBOUND_ATTEMPT_TIMEOUT", time.Second)
	if err != nil {
		return nil, fmt.Errorf("DMZ_OUTBOUND_ATTEMPT_TIMEOUT: %w", err)
	}
	if cfg.OutboundAttemptTimeout <= 0 {
		return nil, fmt.Errorf("DMZ_OUTBOUND_ATTEMPT_TIMEOUT: значение должно быть положительным")
	}

	// DMZ_OUTBOUND_INITIAL_BACKOFF - первая пауза между попытками (по умолчанию 500ms)
	cfg.OutboundInitialBackoff, err = getEnvDuration("DMZ_OUTBOUND_INITIAL_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("DMZ_OUTBOUND_INITIAL_BACKOFF: %w", err)
	}

	// DMZ_OUTBOUND_MAX_RETRIES - количество повторов (по умолчанию 2)
	cfg.OutboundMaxRetries, err = getEnvInt("DMZ_OUTBOUND_MAX_RETRIES", 2)
	if err != nil {
		return nil, fmt.Errorf("DMZ_OUTBOUND_MAX_RETRIES: %w", err)
	}
	if cfg.OutboundMaxRetries < 0 || cfg.OutboundMaxRetries > 5 {
		return nil, fmt.Errorf("DMZ_OUTBOUND_MAX_RETRIES: значение %d вне диапазона 0-5", cfg.OutboundMaxRetries)
	}

	// DMZ_MAX_BODY_BYTES - лимит тела запроса (по умолчанию 64 KiB)
	cfg.MaxBodyBytes, err = getEnvInt64("DMZ_MAX_BODY_BYTES", 64<<10)
	if err != nil {
		return nil, fmt.Errorf("DMZ_MAX_BODY_BYTES: %w", err)
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("DMZ_MAX_BODY_BYTES: значение должно быть положительным")
	}

	// DMZ_RATE_LIMIT_RPS - лимит запросов на отправителя (по умолчанию выключен)
	cfg.RateLimitRPS, err = getEnvFloat("DMZ_RATE_LIMIT_RPS", 0)
	if err != nil {
		return nil, fmt.Errorf("DMZ_RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitRPS < 0 {
		return nil, fmt.Errorf("DMZ_RATE_LIMIT_RPS: значение не может быть отрицательным")
	}
	cfg.RateLimitBurst, err = getEnvInt("DMZ_RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("DMZ_RATE_LIMIT_BURST: %w", err)
	}

	// Таймауты HTTP-сервера
	cfg.HTTPReadTimeout, err = getEnvDuration("DMZ_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DMZ_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("DMZ_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DMZ_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("DMZ_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DMZ_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// Запрос блокируется на время доставки, поэтому write timeout
	// должен покрывать худший случай повторов.
	if worst := cfg.OutboundWorstCase(); cfg.HTTPWriteTimeout <= worst {
		return nil, fmt.Errorf("DMZ_HTTP_WRITE_TIMEOUT: значение %s должно быть больше худшего времени доставки %s",
			cfg.HTTPWriteTimeout, worst)
	}

	// DMZ_SHUTDOWN_TIMEOUT - таймаут graceful shutdown (по умолчанию 30s)
	cfg.ShutdownTimeout, err = getEnvDuration("DMZ_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DMZ_SHUTDOWN_TIMEOUT: %w", err)
	}

	// DMZ_DEPHEALTH_ENABLED - мониторинг зависимостей (по умолчанию включён)
	cfg.DephealthEnabled, err = getEnvBool("DMZ_DEPHEALTH_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("DMZ_DEPHEALTH_ENABLED: %w", err)
	}

	// DMZ_DEPHEALTH_CHECK_INTERVAL - интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("DMZ_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DMZ_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// DMZ_DEPHEALTH_GROUP - имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("DMZ_DEPHEALTH_GROUP", "dmz-relay")

	// DEPHEALTH_NAME - имя владельца пода (без префикса модуля)
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	// DMZ_TLS_CERT / DMZ_TLS_KEY - задаются только парой
	cfg.TLSCert = getEnvDefault("DMZ_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("DMZ_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("DMZ_TLS_CERT и DMZ_TLS_KEY задаются только вместе")
	}

	// DMZ_LOG_LEVEL - уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DMZ_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DMZ_LOG_LEVEL: %w", err)
	}

	// DMZ_LOG_FORMAT - формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DMZ_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DMZ_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	return cfg, nil
}

// OutboundWorstCase возвращает худшее время блокировки запроса на доставке:
// все попытки по таймауту плюс все паузы между ними. При значениях по
// умолчанию это 3*1s + 0.5s + 1s = 4.5s; 2-3s достигаются, когда шлюз
// отвечает 5xx быстрее таймаута.
func (c *Config) OutboundWorstCase() time.Duration {
	attempts := time.Duration(c.OutboundMaxRetries + 1)
	var backoff time.Duration
	for i := 0; i < c.OutboundMaxRetries; i++ {
		backoff += c.OutboundInitialBackoff << i
	}
	return attempts*c.OutboundAttemptTimeout + backoff
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("role", cfg.Role.String()),
	)
	slog.SetDefault(logger)
	return logger
}

// loadPeer читает параметры узла DMZ_<name>_*.
func loadPeer(name string) Peer {
	prefix := "DMZ_" + name + "_"
	return Peer{
		URL:      strings.TrimRight(getEnvDefault(prefix+"URL", ""), "/"),
		Identity: getEnvDefault(prefix+"IDENTITY", ""),
		TLS: ClientTLS{
			CACert:     getEnvDefault(prefix+"CA_CERT", ""),
			ClientCert: getEnvDefault(prefix+"CLIENT_CERT", ""),
			ClientKey:  getEnvDefault(prefix+"CLIENT_KEY", ""),
		},
	}
}

// validatePeers проверяет обязательные адреса и идентичности для роли.
func validatePeers(cfg *Config) error {
	check := func(name string, p Peer, needIdentity bool) error {
		if p.URL == "" {
			return fmt.Errorf("DMZ_%s_URL: обязательная переменная окружения для роли %s не задана", name, cfg.Role)
		}
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("DMZ_%s_URL: некорректный URL %q", name, p.URL)
		}
		if needIdentity && p.Identity == "" {
			return fmt.Errorf("DMZ_%s_IDENTITY: обязательная переменная окружения для роли %s не задана", name, cfg.Role)
		}
		if (p.TLS.ClientCert == "") != (p.TLS.ClientKey == "") {
			return fmt.Errorf("DMZ_%s_CLIENT_CERT и DMZ_%s_CLIENT_KEY задаются только вместе", name, name)
		}
		return nil
	}

	switch cfg.Role {
	case role.Corporate, role.Low:
		return check("GATEWAY", cfg.Gateway, false)
	case role.Gateway:
		if err := check("CORPORATE", cfg.Corporate, true); err != nil {
			return err
		}
		if err := check("LOW", cfg.Low, true); err != nil {
			return err
		}
		if cfg.Corporate.Identity == cfg.Low.Identity {
			return fmt.Errorf("DMZ_CORPORATE_IDENTITY и DMZ_LOW_IDENTITY должны различаться")
		}
	}
	return nil
}

// parseVariants разбирает список версий схемы через запятую.
func parseVariants(s string) ([]model.Variant, error) {
	var out []model.Variant
	seen := make(map[model.Variant]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := model.ParseVariant(part)
		if err != nil {
			return nil, err
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("список версий схемы пуст")
	}
	return out, nil
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает float64 значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvBool возвращает bool значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (используйте true/false)", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 500ms, 10s, 1m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
