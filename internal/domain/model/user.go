package model

import "time"

// UserAction - операция над учётной записью.
type UserAction string

const (
	// ActionUpsert - создать или обновить учётную запись
	ActionUpsert UserAction = "upsert"
	// ActionDelete - удалить учётную запись
	ActionDelete UserAction = "delete"
)

// UserRecord - операция синхронизации учётной записи, пришедшая
// с корпоративной стороны. Значения по умолчанию уже применены.
type UserRecord struct {
	Username           string     `json:"username"`
	Action             UserAction `json:"action"`
	PasswordHash       string     `json:"password_hash,omitempty"`
	Enabled            bool       `json:"enabled"`
	MustChangePassword bool       `json:"must_change_password"`
}

// DirectoryEntry - запись каталога пользователей на низкой стороне.
type DirectoryEntry struct {
	PasswordHash       string    `json:"password_hash"`
	Enabled            bool      `json:"enabled"`
	MustChangePassword bool      `json:"must_change_password"`
	SyncedAt           time.Time `json:"synced_at"`
}

// UserDirectory - содержимое users.json.
type UserDirectory struct {
	Users map[string]DirectoryEntry `json:"users"`
}

// ProjectEntry - запись whitelist проектов.
type ProjectEntry struct {
	Enabled bool `json:"enabled"`
}

// Whitelist - содержимое whitelist.json.
type Whitelist struct {
	Projects map[string]ProjectEntry `json:"projects"`
}
