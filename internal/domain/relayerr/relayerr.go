// Пакет relayerr - типизированные ошибки DMZ-релея.
//
// Ошибки схемы, авторизации и происхождения возникают до записи на диск
// и пересылки, никогда не повторяются. Ошибки хранилища фатальны для
// запроса, но не для процесса. Ошибка доставки означает, что повторные
// попытки исчерпаны или получатель отклонил запрос.
//
// Причины ошибок пишутся только в локальный лог; клиенту всегда уходит
// обобщённый ответ (см. пакет api/errors).
package relayerr

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Kind - категория ошибки для логов и метрик.
type Kind string

const (
	KindSchema        Kind = "schema"
	KindAuthorization Kind = "authorization"
	KindOrigin        Kind = "origin"
	KindStorage       Kind = "storage"
	KindDelivery      Kind = "delivery"
	KindInternal      Kind = "internal"
)

// FieldViolation - нарушение ограничения одного поля.
type FieldViolation struct {
	Field  string
	Reason string
}

func (v *FieldViolation) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Violation создаёт нарушение поля.
func Violation(field, format string, args ...any) error {
	return &FieldViolation{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SchemaError - сообщение или запись не соответствует схеме.
// Содержит все нарушения, а не только первое.
type SchemaError struct {
	Variant    string
	Violations []FieldViolation
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for i := range e.Violations {
		parts = append(parts, e.Violations[i].Error())
	}
	if e.Variant != "" {
		return fmt.Sprintf("нарушение схемы (%s): %s", e.Variant, strings.Join(parts, "; "))
	}
	return "нарушение схемы: " + strings.Join(parts, "; ")
}

// NewSchemaError собирает SchemaError из ошибки, объединённой через multierr.
// Возвращает nil, если нарушений нет.
func NewSchemaError(variant string, err error) error {
	if err == nil {
		return nil
	}
	se := &SchemaError{Variant: variant}
	for _, e := range multierr.Errors(err) {
		var fv *FieldViolation
		if errors.As(e, &fv) {
			se.Violations = append(se.Violations, *fv)
			continue
		}
		se.Violations = append(se.Violations, FieldViolation{Field: "$", Reason: e.Error()})
	}
	return se
}

// Fields возвращает имена нарушенных полей в порядке проверки.
func (e *SchemaError) Fields() []string {
	fields := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		fields = append(fields, v.Field)
	}
	return fields
}

// AuthorizationError - проект отсутствует в whitelist или отключён.
type AuthorizationError struct {
	Project string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("проект %q не авторизован: %s", e.Project, e.Reason)
}

// OriginError - идентичность отправителя неизвестна или противоречит
// заявленной стороне.
type OriginError struct {
	Origin string
	Reason string
}

func (e *OriginError) Error() string {
	return fmt.Sprintf("недопустимое происхождение запроса %q: %s", e.Origin, e.Reason)
}

// StorageError - ошибка записи или чтения на диске.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ошибка хранилища (%s %s): %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DeliveryError - доставка не удалась.
// Rejected=true означает, что получатель ответил 4xx и повтор бессмысленен.
type DeliveryError struct {
	Target     string
	Attempts   int
	LastStatus int
	Rejected   bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("получатель %s отклонил запрос: HTTP %d", e.Target, e.LastStatus)
	}
	if e.Err != nil {
		return fmt.Sprintf("доставка на %s не удалась после %d попыток: %v", e.Target, e.Attempts, e.Err)
	}
	return fmt.Sprintf("доставка на %s не удалась после %d попыток: HTTP %d", e.Target, e.Attempts, e.LastStatus)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// KindOf определяет категорию ошибки.
func KindOf(err error) Kind {
	var (
		schemaErr   *SchemaError
		authErr     *AuthorizationError
		originErr   *OriginError
		storageErr  *StorageError
		deliveryErr *DeliveryError
	)
	switch {
	case errors.As(err, &schemaErr):
		return KindSchema
	case errors.As(err, &authErr):
		return KindAuthorization
	case errors.As(err, &originErr):
		return KindOrigin
	case errors.As(err, &storageErr):
		return KindStorage
	case errors.As(err, &deliveryErr):
		return KindDelivery
	default:
		return KindInternal
	}
}
