// disk_usage.go - проверка свободного места в директории данных.
// Платформозависимый код для Unix-подобных систем.
package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// minFreeBytes - минимум свободного места, при котором узел готов принимать записи.
const minFreeBytes = 64 << 20

// getDiskUsage возвращает total и available в байтах для файловой системы path.
func getDiskUsage(path string) (total, available uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}
	total = stat.Blocks * uint64(stat.Bsize)
	available = stat.Bavail * uint64(stat.Bsize)
	return total, available, nil
}

// diskSpaceCheck возвращает проверку готовности: ошибка, если свободного
// места меньше minFree.
func diskSpaceCheck(dataDir string, minFree uint64) func() error {
	return func() error {
		total, available, err := getDiskUsage(dataDir)
		if err != nil {
			return err
		}
		if available < minFree {
			return fmt.Errorf("свободно %d из %d байт, требуется не менее %d", available, total, minFree)
		}
		return nil
	}
}
