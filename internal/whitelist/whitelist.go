// Пакет whitelist - авторизация проектов на корпоративной стороне.
//
// Таблица {data_dir}/whitelist.json: {"projects": {"ABC": {"enabled": true}}}.
// Изменение файла (в том числе другим процессом или CLI) видно
// без перезапуска: каждая проверка сверяет версию файла.
package whitelist

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/storage/tablestore"
	"github.com/bigkaa/dmzrelay/internal/validator"
)

// FileName - имя файла whitelist в директории данных.
const FileName = "whitelist.json"

var authorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dmz_project_authorizations_total",
	Help: "Результаты проверки проектов по whitelist.",
}, []string{"result"})

var (
	// ErrProjectNotFound - проекта нет в whitelist.
	ErrProjectNotFound = errors.New("проект не найден в whitelist")
	// ErrProjectExists - проект уже есть в whitelist.
	ErrProjectExists = errors.New("проект уже есть в whitelist")
)

// Entry - строка whitelist для листинга.
type Entry struct {
	Code    string `json:"code"`
	Enabled bool   `json:"enabled"`
}

// Table - хранилище таблицы whitelist.
type Table interface {
	ReadCurrent() (model.Whitelist, error)
	Update(fn func(*model.Whitelist) error) error
}

// Authorizer проверяет и изменяет whitelist проектов.
type Authorizer struct {
	table  Table
	logger *slog.Logger
}

// NewTable создаёт файловую таблицу whitelist.
func NewTable(path string, logger *slog.Logger) *tablestore.Store[model.Whitelist] {
	return tablestore.New("whitelist", path, func() model.Whitelist {
		return model.Whitelist{Projects: map[string]model.ProjectEntry{}}
	}, logger)
}

// New создаёт Authorizer над таблицей.
func New(table Table, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		table:  table,
		logger: logger.With(slog.String("component", "project_authorizer")),
	}
}

// Authorize возвращает *relayerr.AuthorizationError, если проект
// отсутствует или отключён. Ошибка чтения таблицы возвращается как
// *relayerr.StorageError: при недоступном whitelist ничего не пропускается.
func (a *Authorizer) Authorize(code string) error {
	wl, err := a.table.ReadCurrent()
	if err != nil {
		authorizationsTotal.WithLabelValues("error").Inc()
		return err
	}

	entry, ok := wl.Projects[code]
	switch {
	case !ok:
		authorizationsTotal.WithLabelValues("unknown").Inc()
		return &relayerr.AuthorizationError{Project: code, Reason: "проект отсутствует в whitelist"}
	case !entry.Enabled:
		authorizationsTotal.WithLabelValues("disabled").Inc()
		return &relayerr.AuthorizationError{Project: code, Reason: "проект отключён"}
	}
	authorizationsTotal.WithLabelValues("allowed").Inc()
	return nil
}

// IsAuthorized - булева форма Authorize.
func (a *Authorizer) IsAuthorized(code string) bool {
	return a.Authorize(code) == nil
}

// Add добавляет проект. Возвращает ErrProjectExists, если он уже есть.
func (a *Authorizer) Add(code string, enabled bool) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	err = a.table.Update(func(wl *model.Whitelist) error {
		if wl.Projects == nil {
			wl.Projects = map[string]model.ProjectEntry{}
		}
		if _, ok := wl.Projects[code]; ok {
			return fmt.Errorf("%s: %w", code, ErrProjectExists)
		}
		wl.Projects[code] = model.ProjectEntry{Enabled: enabled}
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("Проект добавлен в whitelist",
		slog.String("project", code),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// Enable включает проект.
func (a *Authorizer) Enable(code string) error {
	return a.setEnabled(code, true)
}

// Disable отключает проект, не удаляя его.
func (a *Authorizer) Disable(code string) error {
	return a.setEnabled(code, false)
}

// Remove удаляет проект из whitelist.
func (a *Authorizer) Remove(code string) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	err = a.table.Update(func(wl *model.Whitelist) error {
		if _, ok := wl.Projects[code]; !ok {
			return fmt.Errorf("%s: %w", code, ErrProjectNotFound)
		}
		delete(wl.Projects, code)
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("Проект удалён из whitelist", slog.String("project", code))
	return nil
}

// List возвращает проекты, отсортированные по коду.
func (a *Authorizer) List() ([]Entry, error) {
	wl, err := a.table.ReadCurrent()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(wl.Projects))
	for code, e := range wl.Projects {
		out = append(out, Entry{Code: code, Enabled: e.Enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (a *Authorizer) setEnabled(code string, enabled bool) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	err = a.table.Update(func(wl *model.Whitelist) error {
		entry, ok := wl.Projects[code]
		if !ok {
			return fmt.Errorf("%s: %w", code, ErrProjectNotFound)
		}
		entry.Enabled = enabled
		wl.Projects[code] = entry
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("Статус проекта изменён",
		slog.String("project", code),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// NormalizeCode приводит код к верхнему регистру и проверяет формат.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !validator.ProjectPattern.MatchString(code) {
		return "", fmt.Errorf("некорректный код проекта %q: ожидается ровно 3 символа [A-Z0-9]", code)
	}
	return code, nil
}
