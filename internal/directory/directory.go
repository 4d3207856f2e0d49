// Пакет directory - каталог пользователей на низкой стороне.
//
// Каталог только принимает изменения с корпоративной стороны и не
// порождает их сам. Таблица {data_dir}/users.json перезаписывается
// атомарно под блокировкой писателя, поэтому операции над одним
// пользователем применяются в порядке поступления.
package directory

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/storage/tablestore"
)

// FileName - имя файла каталога в директории данных.
const FileName = "users.json"

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dmz_directory_operations_total",
	Help: "Операции синхронизации каталога пользователей.",
}, []string{"action", "outcome"})

// Outcome - результат применения операции.
type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeUpdated        Outcome = "updated"
	OutcomeDeleted        Outcome = "deleted"
	OutcomeAlreadyDeleted Outcome = "already_deleted"
)

// Table - хранилище таблицы пользователей.
type Table interface {
	ReadCurrent() (model.UserDirectory, error)
	Update(fn func(*model.UserDirectory) error) error
}

// Directory применяет операции UserRecord к каталогу.
type Directory struct {
	table  Table
	now    func() time.Time
	logger *slog.Logger
}

// NewTable создаёт файловую таблицу пользователей.
func NewTable(path string, logger *slog.Logger) *tablestore.Store[model.UserDirectory] {
	return tablestore.New("users", path, func() model.UserDirectory {
		return model.UserDirectory{Users: map[string]model.DirectoryEntry{}}
	}, logger)
}

// New создаёт Directory над таблицей.
func New(table Table, logger *slog.Logger) *Directory {
	return &Directory{
		table:  table,
		now:    time.Now,
		logger: logger.With(slog.String("component", "user_directory")),
	}
}

// Apply применяет операцию. Удаление отсутствующего пользователя
// успешно (OutcomeAlreadyDeleted).
func (d *Directory) Apply(rec *model.UserRecord) (Outcome, error) {
	var outcome Outcome
	err := d.table.Update(func(dir *model.UserDirectory) error {
		if dir.Users == nil {
			dir.Users = map[string]model.DirectoryEntry{}
		}
		_, exists := dir.Users[rec.Username]

		switch rec.Action {
		case model.ActionDelete:
			if !exists {
				outcome = OutcomeAlreadyDeleted
				return nil
			}
			delete(dir.Users, rec.Username)
			outcome = OutcomeDeleted
		case model.ActionUpsert:
			dir.Users[rec.Username] = model.DirectoryEntry{
				PasswordHash:       rec.PasswordHash,
				Enabled:            rec.Enabled,
				MustChangePassword: rec.MustChangePassword,
				SyncedAt:           d.now().UTC(),
			}
			outcome = OutcomeUpdated
			if !exists {
				outcome = OutcomeCreated
			}
		default:
			return fmt.Errorf("неизвестное действие %q", rec.Action)
		}
		return nil
	})
	if err != nil {
		operationsTotal.WithLabelValues(string(rec.Action), "error").Inc()
		return "", err
	}

	operationsTotal.WithLabelValues(string(rec.Action), string(outcome)).Inc()
	d.logger.Info("Пользователь синхронизирован",
		slog.String("username", rec.Username),
		slog.String("action", string(rec.Action)),
		slog.String("outcome", string(outcome)),
	)
	return outcome, nil
}

// Get возвращает запись пользователя.
func (d *Directory) Get(username string) (model.DirectoryEntry, bool, error) {
	dir, err := d.table.ReadCurrent()
	if err != nil {
		return model.DirectoryEntry{}, false, err
	}
	e, ok := dir.Users[username]
	return e, ok, nil
}

// List возвращает имена пользователей по алфавиту.
func (d *Directory) List() ([]string, error) {
	dir, err := d.table.ReadCurrent()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dir.Users))
	for name := range dir.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
