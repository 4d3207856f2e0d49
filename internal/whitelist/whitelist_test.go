package whitelist

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAuthorizer(t *testing.T) (*Authorizer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	return New(NewTable(path, testLogger()), testLogger()), path
}

func TestAuthorize_UnknownProject(t *testing.T) {
	a, _ := newTestAuthorizer(t)

	err := a.Authorize("ABC")
	var ae *relayerr.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("ожидался *AuthorizationError, получено %v", err)
	}
	if a.IsAuthorized("ABC") {
		t.Error("неизвестный проект не должен быть авторизован")
	}
}

func TestAddEnableDisableRemove(t *testing.T) {
	a, _ := newTestAuthorizer(t)

	if err := a.Add("abc", true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !a.IsAuthorized("ABC") {
		t.Error("ABC должен быть авторизован после добавления")
	}
	if err := a.Add("ABC", true); !errors.Is(err, ErrProjectExists) {
		t.Errorf("повторный Add: ожидалось ErrProjectExists, получено %v", err)
	}

	if err := a.Disable("ABC"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if a.IsAuthorized("ABC") {
		t.Error("отключённый проект не должен быть авторизован")
	}

	if err := a.Enable("ABC"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !a.IsAuthorized("ABC") {
		t.Error("ABC должен быть авторизован после включения")
	}

	if err := a.Remove("ABC"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if a.IsAuthorized("ABC") {
		t.Error("удалённый проект не должен быть авторизован")
	}
}

func TestNotFound(t *testing.T) {
	a, _ := newTestAuthorizer(t)
	for name, fn := range map[string]func(string) error{
		"Enable":  a.Enable,
		"Disable": a.Disable,
		"Remove":  a.Remove,
	} {
		if err := fn("XYZ"); !errors.Is(err, ErrProjectNotFound) {
			t.Errorf("%s: ожидалось ErrProjectNotFound, получено %v", name, err)
		}
	}
}

func TestInvalidCode(t *testing.T) {
	a, _ := newTestAuthorizer(t)
	for _, code := range []string{"", "AB", "ABCD", "A-C", "АБВ"} {
		if err := a.Add(code, true); err == nil {
			t.Errorf("Add(%q): ожидалась ошибка", code)
		}
	}
}

func TestList_Sorted(t *testing.T) {
	a, _ := newTestAuthorizer(t)
	for _, code := range []string{"ZZZ", "AAA", "M01"} {
		if err := a.Add(code, code != "M01"); err != nil {
			t.Fatal(err)
		}
	}

	list, err := a.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []Entry{{"AAA", true}, {"M01", false}, {"ZZZ", true}}
	if len(list) != len(want) {
		t.Fatalf("ожидалось %d записей, получено %d", len(want), len(list))
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("запись %d: ожидалось %+v, получено %+v", i, want[i], list[i])
		}
	}
}

// TestAuthorize_ObservesRewriteWithoutRestart проверяет, что отключение
// проекта другим экземпляром (например, CLI) сразу действует.
func TestAuthorize_ObservesRewriteWithoutRestart(t *testing.T) {
	a, path := newTestAuthorizer(t)
	if err := a.Add("ABC", true); err != nil {
		t.Fatal(err)
	}
	if !a.IsAuthorized("ABC") {
		t.Fatal("ABC должен быть авторизован")
	}

	// Второй экземпляр над тем же файлом
	admin := New(NewTable(path, testLogger()), testLogger())
	if err := admin.Disable("ABC"); err != nil {
		t.Fatal(err)
	}

	if a.IsAuthorized("ABC") {
		t.Error("отключение через другой экземпляр не замечено")
	}
}

// TestAuthorize_ObservesExternalFileReplace проверяет замену файла целиком.
func TestAuthorize_ObservesExternalFileReplace(t *testing.T) {
	a, path := newTestAuthorizer(t)
	if err := a.Add("ABC", true); err != nil {
		t.Fatal(err)
	}
	if !a.IsAuthorized("ABC") {
		t.Fatal("ABC должен быть авторизован")
	}

	tmp := path + ".edit"
	if err := os.WriteFile(tmp, []byte(`{"projects":{"ABC":{"enabled":false}}}`), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	if a.IsAuthorized("ABC") {
		t.Error("замена файла не замечена")
	}
}

// stubTable - таблица с ошибкой чтения.
type stubTable struct{ err error }

func (s stubTable) ReadCurrent() (model.Whitelist, error) { return model.Whitelist{}, s.err }
func (s stubTable) Update(func(*model.Whitelist) error) error {
	return s.err
}

func TestAuthorize_TableErrorFailsClosed(t *testing.T) {
	storageErr := &relayerr.StorageError{Op: "parse", Path: "whitelist.json", Err: errors.New("bad json")}
	a := New(stubTable{err: storageErr}, testLogger())

	err := a.Authorize("ABC")
	if !errors.As(err, new(*relayerr.StorageError)) {
		t.Errorf("ожидался *StorageError, получено %v", err)
	}
	if a.IsAuthorized("ABC") {
		t.Error("при ошибке чтения проект не должен авторизоваться")
	}
}
