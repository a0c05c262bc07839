package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

var (
	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")
)

// FaultInjectionFS wraps an FS and fails writes on demand.
type FaultInjectionFS struct {
	base FS

	mu               sync.Mutex
	writeErrorPath   string // base name; empty matches every file
	injectWriteError bool
	injectSyncError  bool
	injectNoSpace    bool
}

// NewFaultInjectionFS creates a new fault-injecting filesystem wrapper.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{base: base}
}

// InjectWriteError makes writes to files with the given base name fail.
// An empty name fails every write.
func (fs *FaultInjectionFS) InjectWriteError(name string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = true
	fs.writeErrorPath = name
}

// InjectSyncError makes every file sync fail.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectSyncError = true
}

// InjectNoSpace makes every write fail with ENOSPC.
func (fs *FaultInjectionFS) InjectNoSpace() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectNoSpace = true
}

// ClearErrors removes every injected fault.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = false
	fs.injectSyncError = false
	fs.injectNoSpace = false
	fs.writeErrorPath = ""
}

func (fs *FaultInjectionFS) writeError(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.injectNoSpace {
		return &os.PathError{Op: "write", Path: name, Err: syscall.ENOSPC}
	}
	if fs.injectWriteError && (fs.writeErrorPath == "" || filepath.Base(name) == fs.writeErrorPath) {
		return ErrInjectedWriteError
	}
	return nil
}

func (fs *FaultInjectionFS) syncError() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.injectSyncError {
		return ErrInjectedSyncError
	}
	return nil
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	return &faultFile{WritableFile: f, fs: fs, name: name}, nil
}

func (fs *FaultInjectionFS) ReadFile(name string) ([]byte, error) {
	return fs.base.ReadFile(name)
}

func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	return fs.base.Rename(oldname, newname)
}

func (fs *FaultInjectionFS) Remove(name string) error {
	return fs.base.Remove(name)
}

func (fs *FaultInjectionFS) RemoveAll(path string) error {
	return fs.base.RemoveAll(path)
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

func (fs *FaultInjectionFS) SyncDir(path string) error {
	if err := fs.syncError(); err != nil {
		return err
	}
	return fs.base.SyncDir(path)
}

// faultFile routes writes and syncs through the injection checks.
type faultFile struct {
	WritableFile
	fs   *FaultInjectionFS
	name string
}

func (f *faultFile) Write(p []byte) (int, error) {
	if err := f.fs.writeError(f.name); err != nil {
		return 0, err
	}
	return f.WritableFile.Write(p)
}

func (f *faultFile) Sync() error {
	if err := f.fs.syncError(); err != nil {
		return err
	}
	return f.WritableFile.Sync()
}
