// Пакет errors - единый формат ответов DMZ-релея.
//
// Успех:  {"success": true, "request_id": "...", "message_id": "..."}
// Ошибка: {"success": false, "request_id": "...", "error": "Invalid request"}
//
// Текст ошибки всегда обобщённый: причина и категория пишутся только в
// локальный лог. Все HTTP-ответы должны формироваться через этот пакет.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
)

// GenericMessage - единственный текст ошибки, который видит клиент.
const GenericMessage = "Invalid request"

// SuccessResponse - тело успешного ответа.
type SuccessResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	MessageID string `json:"message_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

// ErrorResponse - тело ответа с ошибкой.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// WriteJSON записывает JSON-ответ с указанным статусом.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess записывает 200 с телом успешного ответа.
func WriteSuccess(w http.ResponseWriter, body SuccessResponse) {
	body.Success = true
	WriteJSON(w, http.StatusOK, body)
}

// WriteError записывает обобщённый ответ ошибки.
func WriteError(w http.ResponseWriter, statusCode int, requestID string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Success:   false,
		RequestID: requestID,
		Error:     GenericMessage,
	})
}

// StatusFor сопоставляет доменную ошибку HTTP-статусу:
// схема, авторизация, происхождение и отказ получателя - 400;
// исчерпанная доставка - 503; хранилище и прочее - 500.
func StatusFor(err error) int {
	var de *relayerr.DeliveryError
	if stderrors.As(err, &de) {
		if de.Rejected {
			return http.StatusBadRequest
		}
		return http.StatusServiceUnavailable
	}

	switch relayerr.KindOf(err) {
	case relayerr.KindSchema, relayerr.KindAuthorization, relayerr.KindOrigin:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// --- Конструкторы для типичных ошибок ---

// BadRequest - 400 (в том числе слишком большое или нечитаемое тело).
func BadRequest(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusBadRequest, requestID)
}

// TooManyRequests - 429 превышен лимит запросов.
func TooManyRequests(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusTooManyRequests, requestID)
}

// NotFound - 404 маршрут не найден.
func NotFound(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusNotFound, requestID)
}

// MethodNotAllowed - 405 метод не поддерживается.
func MethodNotAllowed(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusMethodNotAllowed, requestID)
}

