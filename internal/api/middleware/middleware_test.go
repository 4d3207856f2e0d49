package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
)

func TestRequestID_FreshIDEachRequest(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = reqctx.RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set(HeaderRequestID, "upstream-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	got := rec.Header().Get(HeaderRequestID)
	if got == "" || got == "upstream-id" {
		t.Fatalf("X-Request-ID ответа = %q, ожидался новый идентификатор", got)
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("request_id не UUID: %q", got)
	}
	if seen != got {
		t.Errorf("request_id в контексте %q не совпадает с заголовком %q", seen, got)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/messages", nil))
	if rec2.Header().Get(HeaderRequestID) == got {
		t.Error("каждый запрос должен получать свой request_id")
	}
}

func TestOrigin_ExtractsHeaders(t *testing.T) {
	var got origin.Origin
	h := Origin("X-Client-Cert-DN")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = origin.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set("X-Client-Cert-DN", " CN=corporate ")
	req.Header.Set(origin.HeaderSide, "Corporate")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.Identity != "CN=corporate" || got.AssertedSide != "corporate" {
		t.Errorf("origin = %+v", got)
	}
}

func TestMaxBodyBytes(t *testing.T) {
	var readErr error
	h := MaxBodyBytes(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("объявленная длина больше лимита", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("0123456789")))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("статус = %d, ожидался 400", rec.Code)
		}
	})

	t.Run("длина неизвестна", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/messages", io.NopCloser(bytes.NewReader([]byte("0123456789"))))
		req.ContentLength = -1
		h.ServeHTTP(httptest.NewRecorder(), req)
		var mbe *http.MaxBytesError
		if !errors.As(readErr, &mbe) {
			t.Errorf("ожидалась MaxBytesError при чтении, получено %v", readErr)
		}
	})

	t.Run("в пределах лимита", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("0123")))
		if rec.Code != http.StatusOK || readErr != nil {
			t.Errorf("статус = %d, ошибка чтения %v", rec.Code, readErr)
		}
	})
}

func TestRateLimiter_PerIdentity(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	h := Origin("X-Client-Cert-DN")(rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	send := func(identity string) int {
		req := httptest.NewRequest(http.MethodPost, "/messages", nil)
		req.Header.Set("X-Client-Cert-DN", identity)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("CN=corporate"); code != http.StatusOK {
			t.Fatalf("запрос %d в пределах burst: статус %d", i+1, code)
		}
	}
	if code := send("CN=corporate"); code != http.StatusTooManyRequests {
		t.Errorf("сверх burst: статус %d, ожидался 429", code)
	}
	if code := send("CN=low"); code != http.StatusOK {
		t.Errorf("другой отправитель не должен ограничиваться: статус %d", code)
	}
}

func TestLimiterKey_FallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.RemoteAddr = "10.0.0.5:43210"
	if got := limiterKey(req); got != "ip:10.0.0.5" {
		t.Errorf("limiterKey = %q", got)
	}
}

func TestRequestLogger_LogsRequestIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := RequestID()(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})))

	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set(HeaderRequestID, "from-proxy")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("4xx должен логироваться как WARN: %s", out)
	}
	if !strings.Contains(out, "request_id="+rec.Header().Get(HeaderRequestID)) {
		t.Errorf("в логе нет request_id: %s", out)
	}
	if !strings.Contains(out, "upstream_request_id=from-proxy") {
		t.Errorf("в логе нет upstream_request_id: %s", out)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/message":      "/message",
		"/messages":     "/messages",
		"/dmz/users":    "/dmz/users",
		"/health/ready": "/health/ready",
		"/admin.php":    "other",
		"/messages/x":   "other",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, ожидалось %q", in, got, want)
		}
	}
}
