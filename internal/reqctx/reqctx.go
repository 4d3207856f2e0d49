// Пакет reqctx - значения запроса, передаваемые через context.
package reqctx

import "context"

type ctxKey struct{}

// WithRequestID возвращает контекст с request_id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID возвращает request_id или пустую строку.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
