package model

import (
	"encoding/json"
	"time"
)

// AuditKind - тип пересылаемой записи.
type AuditKind string

const (
	AuditKindMessage AuditKind = "message"
	AuditKindUser    AuditKind = "user"
)

// Direction - направление пересылки через шлюз.
type Direction string

const (
	DirectionCorporateToLow Direction = "corporate_to_low"
	DirectionLowToCorporate Direction = "low_to_corporate"
)

// AuditRecord - аудиторская копия входящего на шлюз запроса.
// Пишется до валидации и пересылки, независимо от их результата.
type AuditRecord struct {
	// AuditID - ULID, сортируемый по времени
	AuditID    string          `json:"audit_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Kind       AuditKind       `json:"kind"`
	Direction  Direction       `json:"direction"`
	// Origin - метка идентичности отправителя из заголовка прокси
	Origin    string `json:"origin"`
	RequestID string `json:"request_id"`
	// Payload - тело запроса как есть, байт в байт; невалидный JSON
	// сохраняется JSON-строкой. В файле всегда последнее поле.
	Payload json.RawMessage `json:"payload,omitempty"`
}
