// Пакет role - роли узла DMZ-релея и матрица допустимых операций.
//
// Три роли:
//   - corporate - корпоративная сторона (whitelist проектов)
//   - low - низкая сторона (синхронизация пользователей)
//   - gateway - шлюз, единственный узел с идентичностями обеих сторон
//
// Роль задаётся при запуске и не меняется.
package role

import "fmt"

// Role - роль узла.
type Role string

const (
	// Corporate - корпоративная сторона
	Corporate Role = "corporate"
	// Low - низкая сторона
	Low Role = "low"
	// Gateway - шлюз между сторонами
	Gateway Role = "gateway"
)

// Operation - операция, которую узел может выполнять.
type Operation string

const (
	// OpSendMessage - приём локального сообщения и отправка на шлюз (POST /messages).
	OpSendMessage Operation = "send_message"
	// OpReceiveMessage - приём сообщения от шлюза (POST /dmz/messages).
	OpReceiveMessage Operation = "receive_message"
	// OpForwardMessage - пересылка сообщения на противоположную сторону (gateway, POST /messages).
	OpForwardMessage Operation = "forward_message"
	// OpForwardUser - пересылка учётной записи на низкую сторону (gateway, POST /users).
	OpForwardUser Operation = "forward_user"
	// OpSyncUser - применение учётной записи к каталогу (POST /dmz/users).
	OpSyncUser Operation = "sync_user"
)

// allowedOperations - матрица допустимых операций для каждой роли.
var allowedOperations = map[Role]map[Operation]bool{
	Corporate: {OpSendMessage: true, OpReceiveMessage: true},
	Low:       {OpSendMessage: true, OpReceiveMessage: true, OpSyncUser: true},
	Gateway:   {OpForwardMessage: true, OpForwardUser: true},
}

// Parse преобразует строку в Role.
func Parse(s string) (Role, error) {
	r := Role(s)
	if _, ok := allowedOperations[r]; !ok {
		return "", fmt.Errorf("недопустимая роль %q, допустимые: corporate, low, gateway", s)
	}
	return r, nil
}

// CanPerform проверяет, допустима ли операция для роли.
func (r Role) CanPerform(op Operation) bool {
	ops, ok := allowedOperations[r]
	if !ok {
		return false
	}
	return ops[op]
}

// IsSide возвращает true для corporate и low.
func (r Role) IsSide() bool {
	return r == Corporate || r == Low
}

// Opposite возвращает противоположную сторону. Для gateway возвращает пустую роль.
func (r Role) Opposite() Role {
	switch r {
	case Corporate:
		return Low
	case Low:
		return Corporate
	default:
		return ""
	}
}

// String реализует fmt.Stringer.
func (r Role) String() string {
	return string(r)
}
