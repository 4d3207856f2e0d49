// Пакет service - бизнес-логика сторон DMZ-релея.
// messages.go - отправка и приём сообщений.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/outbound"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
	"github.com/bigkaa/dmzrelay/internal/storage/messagestore"
)

// MessageValidator проверяет сообщения.
type MessageValidator interface {
	Validate(payload []byte) (*model.Message, error)
}

// ProjectAuthorizer проверяет проект по whitelist.
type ProjectAuthorizer interface {
	Authorize(code string) error
}

// MessageStore сохраняет сообщения атомарно.
type MessageStore interface {
	Persist(msg *model.Message) (*messagestore.SaveResult, error)
}

// Sender - исходящий клиент к шлюзу.
type Sender interface {
	Send(ctx context.Context, path string, payload []byte) (*outbound.DeliveryResult, error)
}

// MessageResult - результат обработки сообщения стороной.
type MessageResult struct {
	MessageID string
	// Path - путь локальной копии
	Path     string
	Checksum string
	// Attempts - число попыток доставки на шлюз (только для Send)
	Attempts int
}

// SendService - отправка локально созданного сообщения через шлюз.
type SendService struct {
	validator  MessageValidator
	authorizer ProjectAuthorizer
	store      MessageStore
	gateway    Sender
	logger     *slog.Logger
}

// NewSendService создаёт сервис отправки.
// authorizer равен nil на стороне, где проекты не авторизуются (low).
func NewSendService(
	v MessageValidator,
	authorizer ProjectAuthorizer,
	store MessageStore,
	gateway Sender,
	logger *slog.Logger,
) *SendService {
	return &SendService{
		validator:  v,
		authorizer: authorizer,
		store:      store,
		gateway:    gateway,
		logger:     logger.With(slog.String("component", "send_service")),
	}
}

// Send обрабатывает исходящее сообщение.
//
// Поток:
//  1. Валидация
//  2. Авторизация проекта (corporate)
//  3. Локальная копия
//  4. Доставка на шлюз /messages
//
// Локальная копия остаётся, если доставка не удалась.
func (s *SendService) Send(ctx context.Context, payload []byte) (res *MessageResult, err error) {
	defer func() { observe("send_message", err) }()

	msg, err := s.validator.Validate(payload)
	if err != nil {
		return nil, err
	}
	if s.authorizer != nil {
		if err := s.authorizer.Authorize(msg.Project); err != nil {
			return nil, err
		}
	}

	saved, err := s.store.Persist(msg)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("сериализация сообщения %s: %w", msg.ID, err)
	}

	delivery, err := s.gateway.Send(ctx, outbound.PathMessages, body)
	if err != nil {
		s.logger.Warn("Сообщение сохранено локально, но не доставлено на шлюз",
			slog.String("request_id", reqctx.RequestID(ctx)),
			slog.String("message_id", msg.ID),
			slog.String("path", saved.Path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("Сообщение отправлено",
		slog.String("request_id", reqctx.RequestID(ctx)),
		slog.String("message_id", msg.ID),
		slog.String("project", msg.Project),
		slog.String("path", saved.RelPath),
		slog.Int("attempts", delivery.Attempts),
	)
	return &MessageResult{
		MessageID: msg.ID,
		Path:      saved.Path,
		Checksum:  saved.Checksum,
		Attempts:  delivery.Attempts,
	}, nil
}

// ReceiveService - приём сообщения от шлюза.
type ReceiveService struct {
	validator       MessageValidator
	authorizer      ProjectAuthorizer
	store           MessageStore
	gatewayIdentity string
	logger          *slog.Logger
}

// NewReceiveService создаёт сервис приёма.
// Если gatewayIdentity не пуст, запросы с другой идентичностью отклоняются.
func NewReceiveService(
	v MessageValidator,
	authorizer ProjectAuthorizer,
	store MessageStore,
	gatewayIdentity string,
	logger *slog.Logger,
) *ReceiveService {
	return &ReceiveService{
		validator:       v,
		authorizer:      authorizer,
		store:           store,
		gatewayIdentity: gatewayIdentity,
		logger:          logger.With(slog.String("component", "receive_service")),
	}
}

// Receive проверяет и сохраняет сообщение, пришедшее со шлюза.
func (s *ReceiveService) Receive(ctx context.Context, o origin.Origin, payload []byte) (res *MessageResult, err error) {
	defer func() { observe("receive_message", err) }()

	if err := checkGateway(s.gatewayIdentity, o); err != nil {
		return nil, err
	}

	msg, err := s.validator.Validate(payload)
	if err != nil {
		return nil, err
	}
	if s.authorizer != nil {
		if err := s.authorizer.Authorize(msg.Project); err != nil {
			return nil, err
		}
	}

	saved, err := s.store.Persist(msg)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Сообщение принято",
		slog.String("request_id", reqctx.RequestID(ctx)),
		slog.String("message_id", msg.ID),
		slog.String("project", msg.Project),
		slog.String("path", saved.RelPath),
		slog.Int64("size", saved.Size),
	)
	return &MessageResult{MessageID: msg.ID, Path: saved.Path, Checksum: saved.Checksum}, nil
}

// checkGateway сверяет идентичность отправителя с ожидаемой идентичностью шлюза.
func checkGateway(expected string, o origin.Origin) error {
	if expected == "" {
		return nil
	}
	if o.Identity != expected {
		return &relayerr.OriginError{Origin: o.Identity, Reason: "запрос не от шлюза"}
	}
	return nil
}
