package vfs

import (
	"errors"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	fs := Default()
	name := filepath.Join(dir, "CATALOG")

	if err := WriteFileAtomic(fs, name, []byte("one")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(fs, name, []byte("two")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	got, err := fs.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("content = %q, want %q", got, "two")
	}
	if fs.Exists(name + ".tmp") {
		t.Error("temporary file left behind")
	}
}

func TestWriteFileAtomicKeepsOldContentOnFailure(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultInjectionFS(Default())
	name := filepath.Join(dir, "CATALOG")

	if err := WriteFileAtomic(ffs, name, []byte("old")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	ffs.InjectWriteError("CATALOG.tmp")
	if err := WriteFileAtomic(ffs, name, []byte("new")); !errors.Is(err, ErrInjectedWriteError) {
		t.Fatalf("got %v, want ErrInjectedWriteError", err)
	}

	got, _ := ffs.ReadFile(name)
	if string(got) != "old" {
		t.Errorf("content = %q, want %q", got, "old")
	}
	if ffs.Exists(name + ".tmp") {
		t.Error("temporary file left behind")
	}

	ffs.ClearErrors()
	ffs.InjectSyncError()
	if err := WriteFileAtomic(ffs, name, []byte("new")); !errors.Is(err, ErrInjectedSyncError) {
		t.Fatalf("got %v, want ErrInjectedSyncError", err)
	}
}

func TestFaultInjectionNoSpace(t *testing.T) {
	ffs := NewFaultInjectionFS(Default())
	ffs.InjectNoSpace()

	err := WriteFileAtomic(ffs, filepath.Join(t.TempDir(), "f"), []byte("x"))
	if !errors.Is(err, syscall.ENOSPC) {
		t.Errorf("got %v, want ENOSPC", err)
	}
}

func TestLockExclusive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock exclusion is not enforced on windows")
	}
	fs := Default()
	name := filepath.Join(t.TempDir(), "GUARD.LOCK")

	l1, err := fs.Lock(name)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}

	if _, err := fs.Lock(name); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Lock: got %v, want ErrLockHeld", err)
	}

	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := fs.Lock(name)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	_ = l2.Close()
}
