// Пакет atomicfile - атомарная запись файлов.
// Паттерн: уникальный temp файл → запись + SHA-256 → fsync → rename → fsync директории.
// Читатель видит либо старое содержимое, либо новое целиком.
// При любой ошибке temp файл удаляется.
package atomicfile

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	sha256 "github.com/minio/sha256-simd"
)

const (
	// FilePerm - права на записываемые файлы.
	FilePerm = 0o640
	// DirPerm - права на создаваемые директории.
	DirPerm = 0o750
)

// ErrDirSync - rename выполнен, но fsync директории не удался: файл уже
// виден читателям целиком, не гарантировано лишь переживание сбоя питания.
// Вместе с ней WriteVia возвращает заполненный Result.
var ErrDirSync = errors.New("fsync директории не выполнен")

// syncDirFn подменяется в тестах.
var syncDirFn = syncDir

// Result - результат атомарной записи.
type Result struct {
	// Path - итоговый путь файла
	Path string
	// Size - размер записанных данных в байтах
	Size int64
	// Checksum - SHA-256 содержимого (hex)
	Checksum string
}

// Write атомарно записывает data в path. Temp файл создаётся
// рядом с целевым файлом.
func Write(path string, data []byte) (*Result, error) {
	return WriteVia(filepath.Dir(path), filepath.Base(path)+".*.tmp", path, data)
}

// WriteVia атомарно записывает data в path через temp файл в tmpDir.
// tmpPattern - шаблон имени для os.CreateTemp ("*" заменяется случайной
// строкой), поэтому два писателя никогда не делят один temp файл.
// tmpDir должен находиться на той же файловой системе, что и path.
//
// Ошибка, для которой errors.Is(err, ErrDirSync), означает, что запись
// уже зафиксирована: res не nil, повторять её не нужно.
func WriteVia(tmpDir, tmpPattern, path string, data []byte) (*Result, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}
	if err := os.MkdirAll(tmpDir, DirPerm); err != nil {
		return nil, fmt.Errorf("не удалось создать временную директорию %s: %w", tmpDir, err)
	}

	f, err := os.CreateTemp(tmpDir, tmpPattern)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	// Запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), bytes.NewReader(data))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Chmod(FilePerm); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка установки прав: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	res := &Result{
		Path:     path,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := syncDirFn(dir); err != nil {
		return res, fmt.Errorf("%w: %w", ErrDirSync, err)
	}
	return res, nil
}

// Committed сообщает, что запись видна читателям несмотря на err.
func Committed(err error) bool {
	return err == nil || errors.Is(err, ErrDirSync)
}

// WriteJSON сериализует v с отступами и атомарно записывает в path.
func WriteJSON(path string, v any) (*Result, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации: %w", err)
	}
	return Write(path, append(data, '\n'))
}

// Checksum возвращает SHA-256 данных (hex).
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// syncDir выполняет fsync директории, чтобы rename пережил сбой питания.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("ошибка открытия директории %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync директории %s: %w", dir, err)
	}
	return nil
}
