// lock.go - межпроцессная блокировка писателя через flock() на файле {table}.lock.
//
// Блокировка удерживается только на время read-modify-rewrite одной таблицы.
// Файл блокировки не удаляется: удаление открытого lock-файла позволило бы
// двум процессам держать flock на разных inode одновременно.
package tablestore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock - захваченная эксклюзивная блокировка.
type fileLock struct {
	f *os.File
}

// acquireLock открывает (создаёт) lock-файл и ждёт эксклюзивный flock.
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия lock-файла %s: %w", path, err)
	}

	fd := int(f.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ошибка захвата flock %s: %w", path, err)
	}

	return &fileLock{f: f}, nil
}

// release освобождает блокировку и закрывает файл.
func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
