// users.go - применение учётных записей на низкой стороне.
package service

import (
	"context"
	"log/slog"

	"github.com/bigkaa/dmzrelay/internal/directory"
	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
)

// UserValidator проверяет учётные записи.
type UserValidator interface {
	ValidateUser(payload []byte) (*model.UserRecord, error)
}

// UserDirectory применяет операции над учётными записями.
type UserDirectory interface {
	Apply(rec *model.UserRecord) (directory.Outcome, error)
}

// UserResult - результат применения учётной записи.
type UserResult struct {
	Username string
	Outcome  directory.Outcome
}

// UserSyncService - приём учётных записей от шлюза.
type UserSyncService struct {
	validator       UserValidator
	dir             UserDirectory
	gatewayIdentity string
	logger          *slog.Logger
}

// NewUserSyncService создаёт сервис синхронизации учётных записей.
func NewUserSyncService(v UserValidator, dir UserDirectory, gatewayIdentity string, logger *slog.Logger) *UserSyncService {
	return &UserSyncService{
		validator:       v,
		dir:             dir,
		gatewayIdentity: gatewayIdentity,
		logger:          logger.With(slog.String("component", "user_sync_service")),
	}
}

// Sync проверяет запись и применяет её к каталогу.
func (s *UserSyncService) Sync(ctx context.Context, o origin.Origin, payload []byte) (res *UserResult, err error) {
	defer func() { observe("sync_user", err) }()

	if err := checkGateway(s.gatewayIdentity, o); err != nil {
		return nil, err
	}

	rec, err := s.validator.ValidateUser(payload)
	if err != nil {
		return nil, err
	}

	outcome, err := s.dir.Apply(rec)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Учётная запись применена",
		slog.String("request_id", reqctx.RequestID(ctx)),
		slog.String("username", rec.Username),
		slog.String("action", string(rec.Action)),
		slog.String("outcome", string(outcome)),
	)
	return &UserResult{Username: rec.Username, Outcome: outcome}, nil
}
