// relay.go - HTTP handlers приёма, отправки и пересылки записей.
// Маршруты регистрируются сервером только для операций, разрешённых роли узла.
package handlers

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/dmzrelay/internal/api/errors"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/forwarder"
	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
	"github.com/bigkaa/dmzrelay/internal/service"
)

// MessageSender - отправка локального сообщения (стороны).
type MessageSender interface {
	Send(ctx context.Context, payload []byte) (*service.MessageResult, error)
}

// MessageReceiver - приём сообщения от шлюза (стороны).
type MessageReceiver interface {
	Receive(ctx context.Context, o origin.Origin, payload []byte) (*service.MessageResult, error)
}

// UserSyncer - применение учётной записи (низкая сторона).
type UserSyncer interface {
	Sync(ctx context.Context, o origin.Origin, payload []byte) (*service.UserResult, error)
}

// Forwarder - пересылка через шлюз.
type Forwarder interface {
	ForwardMessage(ctx context.Context, o origin.Origin, payload []byte) (*forwarder.Result, error)
	ForwardUser(ctx context.Context, o origin.Origin, payload []byte) (*forwarder.Result, error)
}

// RelayHandler - обработчик endpoints релея. Зависимости, не нужные
// роли узла, остаются nil, и соответствующие маршруты не регистрируются.
type RelayHandler struct {
	sender    MessageSender
	receiver  MessageReceiver
	users     UserSyncer
	forwarder Forwarder
	logger    *slog.Logger
}

// RelayDeps - зависимости RelayHandler.
type RelayDeps struct {
	Sender    MessageSender
	Receiver  MessageReceiver
	Users     UserSyncer
	Forwarder Forwarder
}

// NewRelayHandler создаёт обработчик endpoints релея.
func NewRelayHandler(deps RelayDeps, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		sender:    deps.Sender,
		receiver:  deps.Receiver,
		users:     deps.Users,
		forwarder: deps.Forwarder,
		logger:    logger.With(slog.String("component", "relay_handler")),
	}
}

// SendMessage обрабатывает POST /messages на стороне.
func (h *RelayHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}
	res, err := h.sender.Send(r.Context(), payload)
	if err != nil {
		h.fail(w, r, "send_message", err)
		return
	}
	apierrors.WriteSuccess(w, apierrors.SuccessResponse{
		RequestID: reqctx.RequestID(r.Context()),
		MessageID: res.MessageID,
	})
}

// ReceiveMessage обрабатывает POST /dmz/messages.
func (h *RelayHandler) ReceiveMessage(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}
	res, err := h.receiver.Receive(r.Context(), origin.FromContext(r.Context()), payload)
	if err != nil {
		h.fail(w, r, "receive_message", err)
		return
	}
	apierrors.WriteSuccess(w, apierrors.SuccessResponse{
		RequestID: reqctx.RequestID(r.Context()),
		MessageID: res.MessageID,
	})
}

// ForwardMessage обрабатывает POST /messages на шлюзе.
func (h *RelayHandler) ForwardMessage(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}
	res, err := h.forwarder.ForwardMessage(r.Context(), origin.FromContext(r.Context()), payload)
	if err != nil {
		h.fail(w, r, "forward_message", err)
		return
	}
	apierrors.WriteSuccess(w, apierrors.SuccessResponse{
		RequestID: reqctx.RequestID(r.Context()),
		MessageID: res.MessageID,
	})
}

// ForwardUser обрабатывает POST /users на шлюзе.
func (h *RelayHandler) ForwardUser(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}
	res, err := h.forwarder.ForwardUser(r.Context(), origin.FromContext(r.Context()), payload)
	if err != nil {
		h.fail(w, r, "forward_user", err)
		return
	}
	apierrors.WriteSuccess(w, apierrors.SuccessResponse{
		RequestID: reqctx.RequestID(r.Context()),
		Username:  res.Username,
	})
}

// SyncUser обрабатывает POST /dmz/users на низкой стороне.
func (h *RelayHandler) SyncUser(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}
	res, err := h.users.Sync(r.Context(), origin.FromContext(r.Context()), payload)
	if err != nil {
		h.fail(w, r, "sync_user", err)
		return
	}
	apierrors.WriteSuccess(w, apierrors.SuccessResponse{
		RequestID: reqctx.RequestID(r.Context()),
		Username:  res.Username,
	})
}

// readBody читает тело запроса целиком. Превышение лимита и ошибки
// чтения отвечаются 400.
func (h *RelayHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		reason := "ошибка чтения тела запроса"
		var mbe *http.MaxBytesError
		if stderrors.As(err, &mbe) {
			reason = "тело запроса превышает лимит"
		}
		h.logger.Warn("Запрос отклонён",
			slog.String("request_id", reqctx.RequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		apierrors.BadRequest(w, reqctx.RequestID(r.Context()))
		return nil, false
	}
	return payload, true
}

// fail логирует категорию и причину ошибки и отвечает обобщённым телом.
func (h *RelayHandler) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := apierrors.StatusFor(err)
	requestID := reqctx.RequestID(r.Context())

	attrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("operation", operation),
		slog.String("kind", string(relayerr.KindOf(err))),
		slog.Int("status", status),
		slog.String("origin", origin.FromContext(r.Context()).Identity),
		slog.String("error", err.Error()),
	}
	var se *relayerr.SchemaError
	if stderrors.As(err, &se) {
		attrs = append(attrs, slog.Any("fields", se.Fields()))
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.LogAttrs(r.Context(), level, "Запрос отклонён", attrs...)

	apierrors.WriteError(w, status, requestID)
}
