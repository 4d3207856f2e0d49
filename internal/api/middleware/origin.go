// origin.go - извлечение происхождения запроса из заголовков прокси.
package middleware

import (
	"net/http"
	"strings"

	"github.com/bigkaa/dmzrelay/internal/origin"
)

// Origin читает идентичность из identityHeader и заявленную сторону из
// X-DMZ-Origin-Side один раз и кладёт origin.Origin в контекст.
// Проверка происхождения выполняется дальше по цепочке.
func Origin(identityHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o := origin.Origin{
				Identity:     strings.TrimSpace(r.Header.Get(identityHeader)),
				AssertedSide: strings.ToLower(strings.TrimSpace(r.Header.Get(origin.HeaderSide))),
			}
			next.ServeHTTP(w, r.WithContext(origin.WithContext(r.Context(), o)))
		})
	}
}
