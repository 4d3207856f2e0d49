package validator

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/multierr"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
)

// ValidateUser проверяет учётную запись по схеме UserRecord из OpenAPI
// контракта и применяет значения по умолчанию: action=upsert,
// enabled=true, must_change_password=true.
func (v *Validator) ValidateUser(payload []byte) (*model.UserRecord, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return nil, relayerr.NewSchemaError("user", err)
	}

	var value map[string]any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, relayerr.NewSchemaError("user", relayerr.Violation("$", "некорректный JSON"))
	}
	if name, ok := value["username"].(string); ok {
		value["username"] = strings.TrimSpace(name)
	}

	var errs error
	if err := v.userSchema.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		for _, e := range flattenSchemaErrors(err) {
			errs = multierr.Append(errs, e)
		}
	}

	rec := &model.UserRecord{
		Action:             model.ActionUpsert,
		Enabled:            true,
		MustChangePassword: true,
	}
	if s, ok := value["username"].(string); ok {
		rec.Username = s
	}
	if s, ok := value["action"].(string); ok {
		rec.Action = model.UserAction(s)
	}
	if s, ok := value["password_hash"].(string); ok {
		rec.PasswordHash = s
	}
	if b, ok := value["enabled"].(bool); ok {
		rec.Enabled = b
	}
	if b, ok := value["must_change_password"].(bool); ok {
		rec.MustChangePassword = b
	}

	if _, present := fields["password_hash"]; rec.Action == model.ActionUpsert && !present {
		errs = multierr.Append(errs, relayerr.Violation("password_hash", "обязательно для upsert"))
	}

	if errs != nil {
		return nil, relayerr.NewSchemaError("user", errs)
	}
	return rec, nil
}

// flattenSchemaErrors разворачивает вложенные openapi3.MultiError
// в плоский список нарушений полей.
func flattenSchemaErrors(err error) []error {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		var out []error
		for _, e := range me {
			out = append(out, flattenSchemaErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := strings.Join(se.JSONPointer(), ".")
		if field == "" {
			field = "$"
		}
		return []error{relayerr.Violation(field, "%s", se.Reason)}
	}
	return []error{relayerr.Violation("$", "%s", err.Error())}
}
