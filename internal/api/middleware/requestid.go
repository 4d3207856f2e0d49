// requestid.go - присвоение request_id каждому запросу.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/bigkaa/dmzrelay/internal/reqctx"
)

// HeaderRequestID - заголовок с идентификатором запроса.
const HeaderRequestID = "X-Request-ID"

// RequestID присваивает запросу новый request_id и возвращает его в
// заголовке ответа. Входящий X-Request-ID не используется как собственный
// идентификатор (его значение не доверено) и попадает в лог как
// upstream_request_id.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.New().String()
			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(reqctx.WithRequestID(r.Context(), id)))
		})
	}
}
