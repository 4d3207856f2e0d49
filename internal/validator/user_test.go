package validator

import (
	"testing"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
)

func TestValidateUser_Defaults(t *testing.T) {
	v := newTestValidator(t)

	rec, err := v.ValidateUser([]byte(`{"username":"  alice ","password_hash":"$2b$12$abc"}`))
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if rec.Username != "alice" {
		t.Errorf("Username: ожидалось 'alice', получено %q", rec.Username)
	}
	if rec.Action != model.ActionUpsert {
		t.Errorf("Action: ожидалось upsert, получено %q", rec.Action)
	}
	if !rec.Enabled || !rec.MustChangePassword {
		t.Errorf("значения по умолчанию не применены: %+v", rec)
	}
}

func TestValidateUser_ExplicitFlags(t *testing.T) {
	v := newTestValidator(t)

	rec, err := v.ValidateUser([]byte(`{"username":"bob","action":"upsert","password_hash":"h",` +
		`"enabled":false,"must_change_password":false}`))
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if rec.Enabled || rec.MustChangePassword {
		t.Errorf("явные false не должны заменяться: %+v", rec)
	}
}

func TestValidateUser_Delete(t *testing.T) {
	v := newTestValidator(t)

	rec, err := v.ValidateUser([]byte(`{"username":"bob","action":"delete"}`))
	if err != nil {
		t.Fatalf("delete без password_hash должен проходить: %v", err)
	}
	if rec.Action != model.ActionDelete {
		t.Errorf("Action: ожидалось delete, получено %q", rec.Action)
	}
}

func TestValidateUser_Violations(t *testing.T) {
	v := newTestValidator(t)

	// field == "" - проверяется только факт нарушения
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"нет username", `{"password_hash":"h"}`, ""},
		{"пустой username", `{"username":"   ","password_hash":"h"}`, "username"},
		{"username с пробелом", `{"username":"a b","password_hash":"h"}`, "username"},
		{"неизвестное действие", `{"username":"bob","action":"rename","password_hash":"h"}`, "action"},
		{"upsert без хеша", `{"username":"bob","action":"upsert"}`, "password_hash"},
		{"пустой хеш", `{"username":"bob","password_hash":""}`, "password_hash"},
		{"enabled не bool", `{"username":"bob","password_hash":"h","enabled":"yes"}`, "enabled"},
		{"лишнее поле", `{"username":"bob","password_hash":"h","role":"admin"}`, ""},
		{"не объект", `["bob"]`, "$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateUser([]byte(tt.payload))
			if err == nil {
				t.Fatal("ожидалась ошибка валидации")
			}
			fields := schemaFields(t, err)
			if tt.field != "" && !contains(fields, tt.field) {
				t.Errorf("ожидалось нарушение %q, получено %v", tt.field, fields)
			}
		})
	}
}
