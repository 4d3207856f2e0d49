// Пакет messagestore - хранилище проверенных сообщений на диске.
//
// Раскладка:
//
//	{data_dir}/messages/{project}/{YYYY-MM-DD}/{id}.json - сообщения
//	{data_dir}/tmp/{id}.json.*.tmp                      - временные файлы
//
// Путь сообщения однозначно определяется проектом, датой метки времени
// и каноническим ID. Повторная запись того же сообщения перезаписывает
// файл по тому же пути. Сообщения не изменяются и не удаляются.
package messagestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/storage/atomicfile"
	"github.com/bigkaa/dmzrelay/internal/validator"
)

// Prometheus-метрики хранилища сообщений.
var (
	messagesPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmz_messages_persisted_total",
		Help: "Общее количество сообщений, записанных на диск.",
	}, []string{"variant"})
	messageBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmz_message_bytes_total",
		Help: "Общий объём записанных сообщений в байтах.",
	})
	storageErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmz_message_storage_errors_total",
		Help: "Общее количество ошибок записи сообщений.",
	})
)

// Store - хранилище сообщений одной стороны.
type Store struct {
	// messagesDir - корень сообщений ({data_dir}/messages)
	messagesDir string
	// tmpDir - временные файлы ({data_dir}/tmp), та же ФС, что и messagesDir
	tmpDir string
	logger *slog.Logger
}

// SaveResult - результат записи сообщения.
type SaveResult struct {
	// Path - абсолютный путь файла
	Path string
	// RelPath - путь относительно директории сообщений
	RelPath string
	// Size - размер в байтах
	Size int64
	// Checksum - SHA-256 содержимого
	Checksum string
}

// New создаёт хранилище. Создаёт директории и удаляет temp файлы,
// оставшиеся после аварийного завершения.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		messagesDir: filepath.Join(dataDir, "messages"),
		tmpDir:      filepath.Join(dataDir, "tmp"),
		logger:      logger.With(slog.String("component", "message_store")),
	}

	for _, dir := range []string{s.messagesDir, s.tmpDir} {
		if err := os.MkdirAll(dir, atomicfile.DirPerm); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}

	removed, err := s.cleanupTemp()
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		s.logger.Warn("Удалены временные файлы незавершённых записей",
			slog.Int("count", removed),
		)
	}

	return s, nil
}

// Persist атомарно записывает сообщение в канонической сериализации.
// Любая ошибка возвращается как *relayerr.StorageError, temp файл удаляется.
func (s *Store) Persist(msg *model.Message) (*SaveResult, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		storageErrorsTotal.Inc()
		return nil, &relayerr.StorageError{Op: "marshal", Path: msg.ID, Err: err}
	}

	relPath := relativePath(msg.Project, msg.DateBucket(), msg.ID)
	fullPath := filepath.Join(s.messagesDir, relPath)

	res, err := atomicfile.WriteVia(s.tmpDir, msg.ID+".json.*.tmp", fullPath, data)
	if !atomicfile.Committed(err) {
		storageErrorsTotal.Inc()
		return nil, &relayerr.StorageError{Op: "persist", Path: fullPath, Err: err}
	}
	if err != nil {
		// Сообщение уже видно по итоговому пути
		s.logger.Warn("Сообщение записано без fsync директории",
			slog.String("message_id", msg.ID),
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)
	}

	messagesPersistedTotal.WithLabelValues(string(msg.Variant)).Inc()
	messageBytesTotal.Add(float64(res.Size))

	s.logger.Debug("Сообщение записано",
		slog.String("message_id", msg.ID),
		slog.String("project", msg.Project),
		slog.String("path", relPath),
		slog.Int64("size", res.Size),
	)

	return &SaveResult{
		Path:     fullPath,
		RelPath:  relPath,
		Size:     res.Size,
		Checksum: res.Checksum,
	}, nil
}

// Read возвращает содержимое записанного сообщения.
// date - дата в формате YYYY-MM-DD.
func (s *Store) Read(project, date, id string) ([]byte, error) {
	path, err := s.Path(project, date, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("сообщение не найдено: %s: %w", id, err)
		}
		return nil, &relayerr.StorageError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Path возвращает абсолютный путь сообщения. Компоненты проверяются,
// чтобы путь не мог выйти за пределы директории сообщений.
func (s *Store) Path(project, date, id string) (string, error) {
	if !validator.ProjectPattern.MatchString(project) {
		return "", fmt.Errorf("некорректный код проекта: %q", project)
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", fmt.Errorf("некорректная дата: %q", date)
	}
	parsed, err := uuid.Parse(id)
	if err != nil || len(id) != 36 {
		return "", fmt.Errorf("некорректный ID: %q", id)
	}
	return filepath.Join(s.messagesDir, relativePath(project, date, parsed.String())), nil
}

// MessagesDir возвращает корень директории сообщений.
func (s *Store) MessagesDir() string {
	return s.messagesDir
}

// relativePath формирует {project}/{date}/{id}.json.
func relativePath(project, date, id string) string {
	return filepath.Join(project, date, id+".json")
}

// staleTempAge - temp файлы старше этого возраста считаются брошенными.
// Более свежие могут принадлежать другому процессу с той же директорией данных.
const staleTempAge = 10 * time.Minute

// cleanupTemp удаляет брошенные temp файлы в tmpDir.
func (s *Store) cleanupTemp() (int, error) {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения временной директории %s: %w", s.tmpDir, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < staleTempAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpDir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Не удалось удалить временный файл",
				slog.String("file", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}
