// Пакет validator - проверка сообщений и учётных записей перед отправкой
// и перед записью на диск. Выполняется одинаково на каждом узле.
//
// Сообщение проверяется по одной из двух версий схемы (iso, legacy),
// версия определяется по набору ключей. Все нарушения собираются
// в один SchemaError, проверки не прерываются на первом нарушении.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/bigkaa/dmzrelay/internal/api/openapi"
	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
)

const (
	// maxDataEntries - максимальное количество записей в Data.
	maxDataEntries = 20
	// maxDataValueLen - максимальная длина значения Data (iso).
	maxDataValueLen = 128
	// legacyDateLayout - формат Date в legacy-схеме (ddMMyyyyThh:mm:ss).
	legacyDateLayout = "02012006T15:04:05"
)

var (
	// ProjectPattern - код проекта: ровно 3 символа [A-Z0-9].
	ProjectPattern = regexp.MustCompile(`^[A-Z0-9]{3}$`)
	// dataValuePattern - допустимые символы значений Data (iso).
	dataValuePattern = regexp.MustCompile(`^[a-zA-Z0-9 ;]+$`)
)

// isoTimestampLayouts - принимаемые варианты ISO-8601.
var isoTimestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Ключи iso-схемы в каноническом порядке.
var isoKeys = []string{"ID", "Project", "Test ID", "Timestamp", "Test Status", "Data"}

// Ключи legacy-схемы в каноническом порядке.
var legacyKeys = []string{"ID", "Project", "TestID", "Area", "Status", "Date", "Data"}

// Validator проверяет сообщения и учётные записи. Не имеет изменяемого
// состояния и безопасен для конкурентного использования.
type Validator struct {
	accepted   map[model.Variant]bool
	userSchema *openapi3.Schema
}

// New создаёт валидатор, принимающий перечисленные версии схемы.
func New(variants []model.Variant) (*Validator, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("не задано ни одной версии схемы")
	}
	accepted := make(map[model.Variant]bool, len(variants))
	for _, v := range variants {
		if _, err := model.ParseVariant(string(v)); err != nil {
			return nil, err
		}
		accepted[v] = true
	}

	doc, err := openapi.Load()
	if err != nil {
		return nil, err
	}
	userSchema, err := openapi.Schema(doc, "UserRecord")
	if err != nil {
		return nil, err
	}

	return &Validator{accepted: accepted, userSchema: userSchema}, nil
}

// Validate проверяет сообщение и возвращает model.Message
// или *relayerr.SchemaError со списком всех нарушений.
func (v *Validator) Validate(payload []byte) (*model.Message, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return nil, relayerr.NewSchemaError("", err)
	}

	variant := detectVariant(fields)
	if !v.accepted[variant] {
		return nil, relayerr.NewSchemaError(string(variant),
			relayerr.Violation("$", "версия схемы %s не принимается", variant))
	}

	var (
		msg  *model.Message
		errs error
	)
	switch variant {
	case model.VariantLegacy:
		msg, errs = validateLegacy(fields)
	default:
		msg, errs = validateISO(fields)
	}
	if errs != nil {
		return nil, relayerr.NewSchemaError(string(variant), errs)
	}
	return msg, nil
}

// detectVariant определяет версию схемы по набору ключей.
// Без Timestamp и Date считается iso, чтобы отсутствие метки времени
// попало в список нарушений.
func detectVariant(fields map[string]json.RawMessage) model.Variant {
	if _, ok := fields["Timestamp"]; ok {
		return model.VariantISO
	}
	if _, ok := fields["Date"]; ok {
		return model.VariantLegacy
	}
	return model.VariantISO
}

func validateISO(fields map[string]json.RawMessage) (*model.Message, error) {
	var errs error
	errs = multierr.Append(errs, checkKeys(fields, isoKeys))

	msg := &model.Message{Variant: model.VariantISO}

	var err error
	msg.ID, err = checkID(fields)
	errs = multierr.Append(errs, err)

	msg.Project, err = checkProject(fields)
	errs = multierr.Append(errs, err)

	msg.TestID, err = checkString(fields, "Test ID", 3, 10)
	errs = multierr.Append(errs, err)

	msg.Status, err = checkString(fields, "Test Status", 1, 64)
	errs = multierr.Append(errs, err)

	msg.RawTimestamp, err = checkString(fields, "Timestamp", 1, 64)
	if err == nil && msg.RawTimestamp != "" {
		msg.Timestamp, err = parseISOTimestamp(msg.RawTimestamp)
	}
	errs = multierr.Append(errs, err)

	msg.Data, err = checkData(fields, true)
	errs = multierr.Append(errs, err)

	if errs != nil {
		return nil, errs
	}
	return msg, nil
}

func validateLegacy(fields map[string]json.RawMessage) (*model.Message, error) {
	var errs error
	errs = multierr.Append(errs, checkKeys(fields, legacyKeys))

	msg := &model.Message{Variant: model.VariantLegacy}

	var err error
	msg.ID, err = checkID(fields)
	errs = multierr.Append(errs, err)

	msg.Project, err = checkProject(fields)
	errs = multierr.Append(errs, err)

	msg.TestID, err = checkString(fields, "TestID", 1, 64)
	errs = multierr.Append(errs, err)

	msg.Area, err = checkString(fields, "Area", 1, 128)
	errs = multierr.Append(errs, err)

	msg.Status, err = checkString(fields, "Status", 1, 64)
	errs = multierr.Append(errs, err)

	msg.RawTimestamp, err = checkString(fields, "Date", 1, 64)
	if err == nil && msg.RawTimestamp != "" {
		msg.Timestamp, err = time.Parse(legacyDateLayout, msg.RawTimestamp)
		if err != nil {
			err = relayerr.Violation("Date", "ожидается формат ddMMyyyyThh:mm:ss")
		}
	}
	errs = multierr.Append(errs, err)

	msg.Data, err = checkData(fields, false)
	errs = multierr.Append(errs, err)

	if errs != nil {
		return nil, errs
	}
	return msg, nil
}

// decodeObject разбирает payload как JSON-объект верхнего уровня.
func decodeObject(payload []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, relayerr.Violation("$", "ожидается JSON-объект")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, relayerr.Violation("$", "некорректный JSON: %v", err)
	}
	return fields, nil
}

// checkKeys проверяет наличие обязательных и отсутствие лишних ключей.
func checkKeys(fields map[string]json.RawMessage, known []string) error {
	var errs error
	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[k] = true
		if _, ok := fields[k]; !ok {
			errs = multierr.Append(errs, relayerr.Violation(k, "обязательное поле отсутствует"))
		}
	}

	extra := make([]string, 0)
	for k := range fields {
		if !knownSet[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		errs = multierr.Append(errs, relayerr.Violation(k, "недопустимое поле"))
	}
	return errs
}

// checkString извлекает строковое поле и проверяет его длину в символах.
// Отсутствующее поле уже учтено в checkKeys и здесь не дублируется.
func checkString(fields map[string]json.RawMessage, key string, minLen, maxLen int) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", relayerr.Violation(key, "ожидается строка")
	}
	n := utf8.RuneCountInString(s)
	if n < minLen || n > maxLen {
		return "", relayerr.Violation(key, "длина %d вне диапазона %d-%d", n, minLen, maxLen)
	}
	return s, nil
}

// checkID проверяет, что ID - UUID в форме 8-4-4-4-12, и возвращает
// канонический вид в нижнем регистре.
func checkID(fields map[string]json.RawMessage) (string, error) {
	s, err := checkString(fields, "ID", 1, 64)
	if err != nil || s == "" {
		return "", err
	}
	if len(s) != 36 {
		return "", relayerr.Violation("ID", "ожидается UUID в форме 8-4-4-4-12")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", relayerr.Violation("ID", "некорректный UUID")
	}
	return id.String(), nil
}

// checkProject проверяет код проекта.
func checkProject(fields map[string]json.RawMessage) (string, error) {
	s, err := checkString(fields, "Project", 1, 64)
	if err != nil || s == "" {
		return "", err
	}
	if !ProjectPattern.MatchString(s) {
		return "", relayerr.Violation("Project", "ожидается ровно 3 символа [A-Z0-9]")
	}
	return s, nil
}

// checkData проверяет объект Data. Для iso значения должны быть строками
// 1-128 символов из [a-zA-Z0-9 ;]; для legacy допустимы любые JSON-значения.
func checkData(fields map[string]json.RawMessage, strict bool) (map[string]json.RawMessage, error) {
	raw, ok := fields["Data"]
	if !ok {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, relayerr.Violation("Data", "ожидается JSON-объект")
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, relayerr.Violation("Data", "ожидается JSON-объект")
	}
	if len(data) > maxDataEntries {
		return nil, relayerr.Violation("Data", "не более %d записей, получено %d", maxDataEntries, len(data))
	}
	if !strict {
		return data, nil
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs error
	for _, k := range keys {
		field := "Data." + k
		var s string
		if err := json.Unmarshal(data[k], &s); err != nil {
			errs = multierr.Append(errs, relayerr.Violation(field, "ожидается строка"))
			continue
		}
		n := utf8.RuneCountInString(s)
		if n < 1 || n > maxDataValueLen {
			errs = multierr.Append(errs, relayerr.Violation(field, "длина %d вне диапазона 1-%d", n, maxDataValueLen))
			continue
		}
		if !dataValuePattern.MatchString(s) {
			errs = multierr.Append(errs, relayerr.Violation(field, "допустимы только [a-zA-Z0-9 ;]"))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return data, nil
}

// parseISOTimestamp разбирает ISO-8601 в одном из поддерживаемых вариантов.
func parseISOTimestamp(s string) (time.Time, error) {
	for _, layout := range isoTimestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, relayerr.Violation("Timestamp", "ожидается метка времени ISO-8601")
}
