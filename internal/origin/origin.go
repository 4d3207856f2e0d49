// Пакет origin - граница доверия: происхождение входящего запроса.
//
// Идентичность выставляет reverse proxy после проверки клиентского
// сертификата; здесь она рассматривается как непрозрачная доверенная метка.
// Значение извлекается один раз middleware и дальше передаётся явно.
package origin

import (
	"context"

	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/domain/role"
)

// HeaderSide - необязательный заголовок с заявленной стороной отправителя.
const HeaderSide = "X-DMZ-Origin-Side"

// Origin - происхождение запроса.
type Origin struct {
	// Identity - метка идентичности из заголовка прокси
	Identity string
	// AssertedSide - сторона, заявленная отправителем, может быть пустой
	AssertedSide string
}

type ctxKey struct{}

// WithContext возвращает контекст с происхождением запроса.
func WithContext(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, ctxKey{}, o)
}

// FromContext возвращает происхождение запроса (нулевое, если не задано).
func FromContext(ctx context.Context) Origin {
	o, _ := ctx.Value(ctxKey{}).(Origin)
	return o
}

// Resolver сопоставляет идентичность одной из сторон.
type Resolver struct {
	sides map[string]role.Role
}

// NewResolver создаёт resolver по меткам идентичности сторон.
// Пустые метки не регистрируются.
func NewResolver(corporateIdentity, lowIdentity string) *Resolver {
	sides := make(map[string]role.Role, 2)
	if corporateIdentity != "" {
		sides[corporateIdentity] = role.Corporate
	}
	if lowIdentity != "" {
		sides[lowIdentity] = role.Low
	}
	return &Resolver{sides: sides}
}

// Resolve определяет сторону отправителя. Неизвестная идентичность или
// расхождение с заявленной стороной - *relayerr.OriginError.
func (r *Resolver) Resolve(o Origin) (role.Role, error) {
	if o.Identity == "" {
		return "", &relayerr.OriginError{Reason: "идентичность отправителя отсутствует"}
	}
	side, ok := r.sides[o.Identity]
	if !ok {
		return "", &relayerr.OriginError{Origin: o.Identity, Reason: "неизвестная идентичность"}
	}
	if o.AssertedSide != "" && o.AssertedSide != string(side) {
		return "", &relayerr.OriginError{
			Origin: o.Identity,
			Reason: "заявленная сторона " + o.AssertedSide + " не совпадает с идентичностью",
		}
	}
	return side, nil
}
