//go:build windows

// lock_windows.go implements the directory lock on Windows systems.
package vfs

import (
	"errors"
	"io"
	"os"
)

// ErrLockHeld is returned when another process or DB instance holds the lock.
var ErrLockHeld = errors.New("vfs: lock held")

// fileLock implements file locking on Windows systems.
type fileLock struct {
	f *os.File
}

// lockFile opens the named lock file. Exclusion between processes is not
// enforced on Windows; exclusion inside a process comes from the Env
// open-path table.
// TODO: take the lock with LockFileEx from golang.org/x/sys/windows.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
