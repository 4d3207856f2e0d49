// Пакет model - доменные модели DMZ-релея.
// Message - проверенное сообщение о результате теста; UserRecord - операция
// над учётной записью; таблицы whitelist и каталога пользователей;
// AuditRecord - аудиторская копия на шлюзе.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Variant - версия схемы сообщения.
type Variant string

const (
	// VariantISO - схема с ISO-8601 меткой времени ("Test ID", "Timestamp", "Test Status").
	VariantISO Variant = "iso"
	// VariantLegacy - ранняя схема ("TestID", "Area", "Status", "Date" в формате ddMMyyyyThh:mm:ss).
	VariantLegacy Variant = "legacy"
)

// ParseVariant преобразует строку в Variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantISO, VariantLegacy:
		return Variant(s), nil
	default:
		return "", fmt.Errorf("недопустимая версия схемы %q, допустимые: iso, legacy", s)
	}
}

// Message - сообщение, прошедшее валидацию. После создания не изменяется.
type Message struct {
	// Variant - версия схемы, по которой сообщение было проверено
	Variant Variant
	// ID - UUID в каноническом виде (нижний регистр, 36 символов)
	ID string
	// Project - код проекта, ровно 3 символа [A-Z0-9]
	Project string
	// TestID - идентификатор теста
	TestID string
	// Area - область теста (только legacy)
	Area string
	// Status - статус теста
	Status string
	// Timestamp - разобранная метка времени
	Timestamp time.Time
	// RawTimestamp - метка времени в том виде, в каком её прислал отправитель
	RawTimestamp string
	// Data - произвольные данные; для iso значения всегда строки
	Data map[string]json.RawMessage
}

// DateBucket возвращает дату сообщения (YYYY-MM-DD) для пути хранения.
// Дата берётся из метки времени без перевода в UTC.
func (m *Message) DateBucket() string {
	return m.Timestamp.Format("2006-01-02")
}

// MarshalJSON сериализует сообщение канонически: фиксированный порядок
// ключей для каждой версии схемы, ключи Data отсортированы.
func (m *Message) MarshalJSON() ([]byte, error) {
	type field struct {
		key   string
		value any
	}

	data := m.Data
	if data == nil {
		data = map[string]json.RawMessage{}
	}

	var fields []field
	switch m.Variant {
	case VariantLegacy:
		fields = []field{
			{"ID", m.ID},
			{"Project", m.Project},
			{"TestID", m.TestID},
			{"Area", m.Area},
			{"Status", m.Status},
			{"Date", m.RawTimestamp},
			{"Data", data},
		}
	default:
		fields = []field{
			{"ID", m.ID},
			{"Project", m.Project},
			{"Test ID", m.TestID},
			{"Timestamp", m.RawTimestamp},
			{"Test Status", m.Status},
			{"Data", data},
		}
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("сериализация поля %s: %w", f.key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
