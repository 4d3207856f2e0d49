// limits.go - ограничения размера тела и частоты запросов.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	apierrors "github.com/bigkaa/dmzrelay/internal/api/errors"
	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
)

// Параметры хранения лимитеров: неактивный отправитель вытесняется через TTL.
const (
	limiterCacheSize = 4096
	limiterTTL       = 10 * time.Minute
)

// MaxBodyBytes ограничивает размер тела запроса. Превышение обнаруживается
// обработчиком при чтении (*http.MaxBytesError) и отвечается 400.
func MaxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierrors.BadRequest(w, reqctx.RequestID(r.Context()))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter - token bucket на каждого отправителя. Ключ - идентичность
// из заголовка прокси, при её отсутствии - IP-адрес соединения.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter создаёт лимитер.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		buckets:   expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterTTL),
	}
}

// Allow расходует токен отправителя key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rl.perSecond, rl.burst)
		rl.buckets.Add(key, lim)
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// Middleware возвращает HTTP middleware, отвечающий 429 при превышении.
// Должен стоять после Origin.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(limiterKey(r)) {
				rateLimitedTotal.Inc()
				apierrors.TooManyRequests(w, reqctx.RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limiterKey(r *http.Request) string {
	if id := origin.FromContext(r.Context()).Identity; id != "" {
		return "id:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
