// Пакет tablestore - JSON-таблица в одном файле с атомарной перезаписью.
//
// Чтение (ReadCurrent) дешёвое: stat файла и сравнение с закэшированным
// снимком. Если файл изменился (другой inode, mtime или размер), таблица
// перечитывается, и новый снимок публикуется атомарно. Параллельные
// читатели видят либо старый, либо новый снимок целиком.
//
// Запись (Update, AtomicRewrite) идёт через единственный путь: mutex
// внутри процесса + flock на {path}.lock между процессами, свежее чтение
// с диска, изменение, атомарная перезапись через atomicfile.
package tablestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/storage/atomicfile"
)

// Prometheus-метрики таблиц.
var (
	tableReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmz_table_reloads_total",
		Help: "Количество перечитываний таблицы после изменения файла.",
	}, []string{"table"})
	tableWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmz_table_writes_total",
		Help: "Количество атомарных перезаписей таблицы.",
	}, []string{"table", "result"})
)

// snapshot - неизменяемый снимок таблицы и версия файла, из которого он прочитан.
// info == nil означает, что файла не было.
type snapshot[T any] struct {
	value T
	info  os.FileInfo
}

// Store - файловая таблица типа T.
type Store[T any] struct {
	name     string
	path     string
	lockPath string
	empty    func() T
	logger   *slog.Logger

	// writeMu сериализует писателей внутри процесса
	writeMu sync.Mutex
	current atomic.Pointer[snapshot[T]]
}

// New создаёт таблицу. name - метка для логов и метрик,
// empty - конструктор пустой таблицы.
func New[T any](name, path string, empty func() T, logger *slog.Logger) *Store[T] {
	return &Store[T]{
		name:     name,
		path:     path,
		lockPath: path + ".lock",
		empty:    empty,
		logger:   logger.With(slog.String("component", "table"), slog.String("table", name)),
	}
}

// Path возвращает путь к файлу таблицы.
func (s *Store[T]) Path() string {
	return s.path
}

// ReadCurrent возвращает актуальное содержимое таблицы.
// Отсутствующий файл читается как пустая таблица.
// Возвращаемое значение разделяется между читателями и не должно изменяться.
func (s *Store[T]) ReadCurrent() (T, error) {
	info, err := statFile(s.path)
	if err != nil {
		var zero T
		return zero, &relayerr.StorageError{Op: "stat", Path: s.path, Err: err}
	}

	if cur := s.current.Load(); cur != nil && sameVersion(cur.info, info) {
		return cur.value, nil
	}

	snap, err := s.load()
	if err != nil {
		var zero T
		return zero, err
	}
	s.current.Store(snap)
	tableReloadsTotal.WithLabelValues(s.name).Inc()
	s.logger.Debug("Таблица перечитана с диска")
	return snap.value, nil
}

// Update выполняет read-modify-rewrite под блокировкой писателя.
// fn получает свежую копию с диска; ошибка fn отменяет запись и
// возвращается как есть.
func (s *Store[T]) Update(fn func(*T) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	lock, err := acquireLock(s.lockPath)
	if err != nil {
		return &relayerr.StorageError{Op: "lock", Path: s.lockPath, Err: err}
	}
	defer lock.release()

	snap, err := s.load()
	if err != nil {
		return err
	}
	value := snap.value
	if err := fn(&value); err != nil {
		return err
	}
	return s.write(value)
}

// AtomicRewrite заменяет таблицу целиком.
func (s *Store[T]) AtomicRewrite(value T) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	lock, err := acquireLock(s.lockPath)
	if err != nil {
		return &relayerr.StorageError{Op: "lock", Path: s.lockPath, Err: err}
	}
	defer lock.release()

	return s.write(value)
}

// EnsureExists создаёт пустую таблицу, если файла нет.
func (s *Store[T]) EnsureExists() error {
	info, err := statFile(s.path)
	if err != nil {
		return &relayerr.StorageError{Op: "stat", Path: s.path, Err: err}
	}
	if info != nil {
		return nil
	}
	return s.Update(func(*T) error { return nil })
}

// write атомарно записывает таблицу и публикует новый снимок.
// Вызывается под writeMu и flock.
func (s *Store[T]) write(value T) error {
	if _, err := atomicfile.WriteJSON(s.path, value); !atomicfile.Committed(err) {
		tableWritesTotal.WithLabelValues(s.name, "error").Inc()
		return &relayerr.StorageError{Op: "rewrite", Path: s.path, Err: err}
	} else if err != nil {
		s.logger.Warn("Таблица записана без fsync директории", slog.String("error", err.Error()))
	}
	tableWritesTotal.WithLabelValues(s.name, "ok").Inc()

	// Снимок публикуется только с версией файла; без неё следующий
	// ReadCurrent просто перечитает таблицу.
	if info, err := os.Stat(s.path); err == nil {
		s.current.Store(&snapshot[T]{value: value, info: info})
	}
	return nil
}

// load читает таблицу с диска. Версия берётся через fstat открытого
// дескриптора, поэтому соответствует прочитанному содержимому.
func (s *Store[T]) load() (*snapshot[T], error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &snapshot[T]{value: s.empty()}, nil
	}
	if err != nil {
		return nil, &relayerr.StorageError{Op: "open", Path: s.path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &relayerr.StorageError{Op: "stat", Path: s.path, Err: err}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &relayerr.StorageError{Op: "read", Path: s.path, Err: err}
	}

	value := s.empty()
	if err := json.Unmarshal(data, &value); err != nil {
		s.logger.Error("Таблица повреждена",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return nil, &relayerr.StorageError{Op: "parse", Path: s.path, Err: fmt.Errorf("некорректный JSON: %w", err)}
	}
	return &snapshot[T]{value: value, info: info}, nil
}

// statFile возвращает FileInfo или nil, если файла нет.
func statFile(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// sameVersion сравнивает версии файла: тот же inode, mtime и размер.
func sameVersion(a, b os.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return os.SameFile(a, b) && a.ModTime().Equal(b.ModTime()) && a.Size() == b.Size()
}
