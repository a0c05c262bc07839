//go:build !windows

// lock.go implements the directory lock on Unix systems with flock(2).
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// ErrLockHeld is returned when another process or DB instance holds the lock.
var ErrLockHeld = errors.New("vfs: lock held")

// fileLock implements file locking on Unix systems.
type fileLock struct {
	f *os.File
}

// lockFile acquires an exclusive, non-blocking lock on the named file.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		}
		return nil, err
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	// The lock goes away with the descriptor either way.
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
