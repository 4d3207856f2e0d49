// metrics.go - Prometheus HTTP метрики DMZ-релея.
// Регистрирует метрики: dmz_http_requests_total, dmz_http_request_duration_seconds.
// Бизнес-метрики (dmz_messages_persisted_total, dmz_delivery_attempts_total и др.)
// регистрируются в соответствующих пакетах.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal - общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmz_http_requests_total",
			Help: "Общее количество HTTP-запросов к узлу DMZ-релея",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration - гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmz_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// rateLimitedTotal - запросы, отклонённые лимитером.
	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmz_http_rate_limited_total",
			Help: "Количество запросов, отклонённых ограничением частоты",
		},
	)
)

// knownPaths - маршруты, которые попадают в лейбл path как есть.
var knownPaths = map[string]bool{
	"/message":      true,
	"/messages":     true,
	"/users":        true,
	"/dmz/messages": true,
	"/dmz/users":    true,
	"/health":       true,
	"/health/ready": true,
	"/metrics":      true,
}

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// normalizePath сворачивает неизвестные пути в "other", чтобы сканирование
// произвольных URL не раздувало кардинальность метрик.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "other"
}
