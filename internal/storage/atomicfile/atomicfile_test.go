package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWrite_CreatesFileAndDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "file.json")

	res, err := Write(path, []byte(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	if res.Size != 9 {
		t.Errorf("Size: ожидалось 9, получено %d", res.Size)
	}
	if res.Checksum != Checksum([]byte(`{"k":"v"}`)) {
		t.Errorf("Checksum не совпадает: %s", res.Checksum)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if string(got) != `{"k":"v"}` {
		t.Errorf("содержимое: получено %q", got)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != FilePerm {
		t.Errorf("права: ожидалось %o, получено %o", FilePerm, info.Mode().Perm())
	}

	// Temp файлов не остаётся
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("остался temp файл: %s", e.Name())
		}
	}
}

func TestWrite_Overwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")

	if _, err := Write(path, []byte("first")); err != nil {
		t.Fatalf("ошибка первой записи: %v", err)
	}
	if _, err := Write(path, []byte("second")); err != nil {
		t.Fatalf("ошибка второй записи: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "second" {
		t.Errorf("ожидалось 'second', получено %q", got)
	}
}

func TestWriteVia_SeparateTempDir(t *testing.T) {
	root := t.TempDir()
	tmpDir := filepath.Join(root, "tmp")
	path := filepath.Join(root, "out", "msg.json")

	if _, err := WriteVia(tmpDir, "msg.json.*.tmp", path, []byte("x")); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("временная директория не создана: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("временная директория должна быть пустой, файлов: %d", len(entries))
	}
}

func TestWrite_FailureRemovesTemp(t *testing.T) {
	root := t.TempDir()
	// Целевой путь - существующая непустая директория, rename завершится ошибкой
	target := filepath.Join(root, "target")
	if err := os.MkdirAll(filepath.Join(target, "child"), 0o750); err != nil {
		t.Fatal(err)
	}

	if _, err := Write(target, []byte("data")); err == nil {
		t.Fatal("ожидалась ошибка переименования")
	}

	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp файл не удалён после ошибки: %s", e.Name())
		}
	}
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")

	if _, err := WriteJSON(path, map[string]int{"b": 2, "a": 1}); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	got, _ := os.ReadFile(path)
	want := "{\n  \"a\": 1,\n  \"b\": 2\n}\n"
	if string(got) != want {
		t.Errorf("ожидалось %q, получено %q", want, got)
	}
}

// TestWriteVia_DirSyncFailureStillCommitted: после rename файл виден
// целиком, поэтому ошибка fsync директории не отменяет запись.
func TestWriteVia_DirSyncFailureStillCommitted(t *testing.T) {
	orig := syncDirFn
	syncDirFn = func(string) error { return errors.New("EIO") }
	t.Cleanup(func() { syncDirFn = orig })

	path := filepath.Join(t.TempDir(), "msg.json")
	res, err := Write(path, []byte(`{"ID":"x"}`))
	if !errors.Is(err, ErrDirSync) {
		t.Fatalf("ожидалась ErrDirSync, получено %v", err)
	}
	if !Committed(err) {
		t.Error("Committed должен быть true для ErrDirSync")
	}
	if res == nil || res.Path != path || res.Size != 10 {
		t.Fatalf("Result должен быть заполнен: %+v", res)
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil || string(data) != `{"ID":"x"}` {
		t.Errorf("файл должен быть виден целиком: %q, %v", data, readErr)
	}

	if Committed(errors.New("rename failed")) {
		t.Error("прочие ошибки не означают фиксацию")
	}
	if !Committed(nil) {
		t.Error("nil означает фиксацию")
	}
}
