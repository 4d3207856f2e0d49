// Пакет forwarder - пересылка записей через шлюз.
//
// Шлюз - единственный узел, у которого есть идентичности обеих сторон.
// Для каждой стороны используется свой исходящий клиент, поэтому
// учётные данные одной стороны никогда не предъявляются другой.
//
// Порядок обработки:
//  1. определение стороны отправителя (OriginError - без аудита);
//  2. аудиторская запись (независимо от дальнейшего результата);
//  3. валидация;
//  4. пересылка противоположной стороне.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/domain/role"
	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/outbound"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
)

var forwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dmz_forwards_total",
	Help: "Запросы, обработанные шлюзом, по типу, направлению и результату.",
}, []string{"kind", "direction", "result"})

// Sender - исходящий клиент к одной из сторон.
type Sender interface {
	Send(ctx context.Context, path string, payload []byte) (*outbound.DeliveryResult, error)
}

// AuditWriter - хранилище аудиторских записей.
type AuditWriter interface {
	Write(rec *model.AuditRecord) (string, error)
}

// Validator - проверка сообщений и учётных записей.
type Validator interface {
	Validate(payload []byte) (*model.Message, error)
	ValidateUser(payload []byte) (*model.UserRecord, error)
}

// Clients - исходящие клиенты к сторонам.
type Clients struct {
	Corporate Sender
	Low       Sender
}

// Result - успешная пересылка.
type Result struct {
	Direction model.Direction
	AuditPath string
	// MessageID - для сообщений, Username - для учётных записей
	MessageID string
	Username  string
	Attempts  int
}

// Forwarder пересылает сообщения и учётные записи между сторонами.
type Forwarder struct {
	resolver  *origin.Resolver
	audit     AuditWriter
	validator Validator
	clients   Clients
	logger    *slog.Logger
}

// New создаёт Forwarder.
func New(resolver *origin.Resolver, audit AuditWriter, v Validator, clients Clients, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		resolver:  resolver,
		audit:     audit,
		validator: v,
		clients:   clients,
		logger:    logger.With(slog.String("component", "forwarder")),
	}
}

// ForwardMessage пересылает сообщение на /dmz/messages противоположной стороны.
func (f *Forwarder) ForwardMessage(ctx context.Context, o origin.Origin, payload []byte) (*Result, error) {
	side, err := f.resolver.Resolve(o)
	if err != nil {
		forwardsTotal.WithLabelValues(string(model.AuditKindMessage), "unknown", "origin_rejected").Inc()
		return nil, err
	}
	direction := directionFrom(side)

	auditPath, err := f.writeAudit(ctx, model.AuditKindMessage, direction, o, payload)
	if err != nil {
		forwardsTotal.WithLabelValues(string(model.AuditKindMessage), string(direction), "audit_failed").Inc()
		return nil, err
	}

	msg, err := f.validator.Validate(payload)
	if err != nil {
		forwardsTotal.WithLabelValues(string(model.AuditKindMessage), string(direction), "invalid").Inc()
		return nil, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("сериализация сообщения %s: %w", msg.ID, err)
	}

	res, err := f.target(side).Send(ctx, outbound.PathDMZMessages, body)
	if err != nil {
		forwardsTotal.WithLabelValues(string(model.AuditKindMessage), string(direction), "delivery_failed").Inc()
		f.logger.Warn("Сообщение не переслано",
			slog.String("request_id", reqctx.RequestID(ctx)),
			slog.String("message_id", msg.ID),
			slog.String("direction", string(direction)),
			slog.String("audit_path", auditPath),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	forwardsTotal.WithLabelValues(string(model.AuditKindMessage), string(direction), "forwarded").Inc()
	f.logger.Info("Сообщение переслано",
		slog.String("request_id", reqctx.RequestID(ctx)),
		slog.String("message_id", msg.ID),
		slog.String("project", msg.Project),
		slog.String("direction", string(direction)),
		slog.Int("attempts", res.Attempts),
	)
	return &Result{
		Direction: direction,
		AuditPath: auditPath,
		MessageID: msg.ID,
		Attempts:  res.Attempts,
	}, nil
}

// ForwardUser пересылает учётную запись на /dmz/users низкой стороны.
// Принимается только от корпоративной стороны.
func (f *Forwarder) ForwardUser(ctx context.Context, o origin.Origin, payload []byte) (*Result, error) {
	side, err := f.resolver.Resolve(o)
	if err != nil {
		forwardsTotal.WithLabelValues(string(model.AuditKindUser), "unknown", "origin_rejected").Inc()
		return nil, err
	}
	if side != role.Corporate {
		forwardsTotal.WithLabelValues(string(model.AuditKindUser), string(directionFrom(side)), "origin_rejected").Inc()
		return nil, &relayerr.OriginError{Origin: o.Identity, Reason: "учётные записи принимаются только от корпоративной стороны"}
	}
	direction := model.DirectionCorporateToLow

	auditPath, err := f.writeAudit(ctx, model.AuditKindUser, direction, o, payload)
	if err != nil {
		forwardsTotal.WithLabelValues(string(model.AuditKindUser), string(direction), "audit_failed").Inc()
		return nil, err
	}

	rec, err := f.validator.ValidateUser(payload)
	if err != nil {
		forwardsTotal.WithLabelValues(string(model.AuditKindUser), string(direction), "invalid").Inc()
		return nil, err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("сериализация учётной записи %s: %w", rec.Username, err)
	}

	res, err := f.clients.Low.Send(ctx, outbound.PathDMZUsers, body)
	if err != nil {
		forwardsTotal.WithLabelValues(string(model.AuditKindUser), string(direction), "delivery_failed").Inc()
		f.logger.Warn("Учётная запись не переслана",
			slog.String("request_id", reqctx.RequestID(ctx)),
			slog.String("username", rec.Username),
			slog.String("audit_path", auditPath),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	forwardsTotal.WithLabelValues(string(model.AuditKindUser), string(direction), "forwarded").Inc()
	f.logger.Info("Учётная запись переслана",
		slog.String("request_id", reqctx.RequestID(ctx)),
		slog.String("username", rec.Username),
		slog.String("action", string(rec.Action)),
		slog.Int("attempts", res.Attempts),
	)
	return &Result{
		Direction: direction,
		AuditPath: auditPath,
		Username:  rec.Username,
		Attempts:  res.Attempts,
	}, nil
}

func (f *Forwarder) writeAudit(ctx context.Context, kind model.AuditKind, direction model.Direction, o origin.Origin, payload []byte) (string, error) {
	path, err := f.audit.Write(&model.AuditRecord{
		Kind:      kind,
		Direction: direction,
		Origin:    o.Identity,
		RequestID: reqctx.RequestID(ctx),
		Payload:   payload,
	})
	if err != nil {
		f.logger.Error("Не удалось записать аудиторскую запись",
			slog.String("request_id", reqctx.RequestID(ctx)),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return path, nil
}

// target возвращает клиента противоположной стороны.
func (f *Forwarder) target(from role.Role) Sender {
	if from.Opposite() == role.Low {
		return f.clients.Low
	}
	return f.clients.Corporate
}

// directionFrom: corporate_to_low или low_to_corporate.
func directionFrom(side role.Role) model.Direction {
	return model.Direction(side.String() + "_to_" + side.Opposite().String())
}
