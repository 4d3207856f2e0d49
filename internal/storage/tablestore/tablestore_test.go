package tablestore

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
)

type counterTable struct {
	Count int            `json:"count"`
	Names map[string]int `json:"names"`
}

func emptyCounter() counterTable {
	return counterTable{Names: map[string]int{}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTable(t *testing.T, path string) *Store[counterTable] {
	t.Helper()
	return New("counter", path, emptyCounter, testLogger())
}

func TestReadCurrent_MissingFileIsEmpty(t *testing.T) {
	s := newTestTable(t, filepath.Join(t.TempDir(), "table.json"))

	v, err := s.ReadCurrent()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if v.Count != 0 || v.Names == nil {
		t.Errorf("ожидалась пустая таблица, получено %+v", v)
	}
}

func TestEnsureExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	s := newTestTable(t, path)

	if err := s.EnsureExists(); err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("файл таблицы не создан: %v", err)
	}

	// Повторный вызов не перезаписывает существующую таблицу
	if err := s.Update(func(v *counterTable) error { v.Count = 7; return nil }); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	v, _ := s.ReadCurrent()
	if v.Count != 7 {
		t.Errorf("EnsureExists перезаписал таблицу: %+v", v)
	}
}

// TestReadCurrent_ObservesExternalRewrite проверяет, что изменение файла
// другим писателем видно без перезапуска.
func TestReadCurrent_ObservesExternalRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	reader := newTestTable(t, path)
	writer := newTestTable(t, path)

	if err := writer.AtomicRewrite(counterTable{Count: 1, Names: map[string]int{"a": 1}}); err != nil {
		t.Fatal(err)
	}
	v, err := reader.ReadCurrent()
	if err != nil || v.Count != 1 {
		t.Fatalf("первое чтение: %+v, %v", v, err)
	}

	if err := writer.AtomicRewrite(counterTable{Count: 2, Names: map[string]int{"a": 2}}); err != nil {
		t.Fatal(err)
	}
	v, err = reader.ReadCurrent()
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if v.Count != 2 {
		t.Errorf("изменение не замечено: ожидалось 2, получено %d", v.Count)
	}
}

func TestReadCurrent_CachedWhenUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	s := newTestTable(t, path)
	if err := s.AtomicRewrite(counterTable{Count: 3}); err != nil {
		t.Fatal(err)
	}

	first, _ := s.ReadCurrent()
	second, _ := s.ReadCurrent()
	if first.Count != 3 || second.Count != 3 {
		t.Errorf("ожидалось 3, получено %d / %d", first.Count, second.Count)
	}
	if s.current.Load() == nil {
		t.Error("снимок не закэширован")
	}
}

// TestUpdate_ConcurrentWritersAcrossInstances проверяет, что обновления
// из разных экземпляров (как из разных процессов) не теряются.
func TestUpdate_ConcurrentWritersAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	stores := []*Store[counterTable]{newTestTable(t, path), newTestTable(t, path), newTestTable(t, path)}

	const perStore = 30
	var g errgroup.Group
	for _, s := range stores {
		for i := 0; i < perStore; i++ {
			g.Go(func() error {
				return s.Update(func(v *counterTable) error {
					v.Count++
					return nil
				})
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ошибка обновления: %v", err)
	}

	v, err := stores[0].ReadCurrent()
	if err != nil {
		t.Fatal(err)
	}
	if want := perStore * len(stores); v.Count != want {
		t.Errorf("потеряны обновления: ожидалось %d, получено %d", want, v.Count)
	}
}

func TestUpdate_ErrorAbortsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	s := newTestTable(t, path)
	if err := s.AtomicRewrite(counterTable{Count: 1}); err != nil {
		t.Fatal(err)
	}

	sentinel := errors.New("отмена")
	err := s.Update(func(v *counterTable) error {
		v.Count = 100
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("ожидалась исходная ошибка, получено %v", err)
	}

	v, _ := s.ReadCurrent()
	if v.Count != 1 {
		t.Errorf("таблица изменена несмотря на ошибку: %d", v.Count)
	}
}

func TestReadCurrent_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}
	s := newTestTable(t, path)

	_, err := s.ReadCurrent()
	var se *relayerr.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("ожидался *StorageError, получено %v", err)
	}
	if se.Op != "parse" {
		t.Errorf("Op: ожидалось parse, получено %q", se.Op)
	}
}

func TestUpdate_LeavesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	s := newTestTable(t, path)
	if err := s.Update(func(v *counterTable) error { v.Count = 1; return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Errorf("lock-файл должен оставаться: %v", err)
	}
}
