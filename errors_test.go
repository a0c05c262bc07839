// errors_test.go implements tests for the error taxonomy.
package rockguard

import (
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/aalhour/rockguard/internal/compression"
	"github.com/aalhour/rockguard/internal/vfs"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeOK},
		{"foreign", errors.New("boom"), CodeUnknown},
		{"sentinel", ErrNotFound, CodeNotFound},
		{"wrapped", errors.Wrap(ErrCorruption, "block 7"), CodeCorruption},
		{"fmt wrapped", fmt.Errorf("open: %w", ErrLockHeld), CodeLockHeld},
		{"marked", errors.Mark(errors.New("disk"), ErrFull), CodeFull},
		{"in use error", &InUseError{Kind: "db", Name: "/x", Iterators: 1}, CodeInUse},
		{"conflict", errors.Wrapf(ErrBusy, "key %q", "k"), CodeBusy},
		{"argument beats config", errors.Mark(errors.Wrap(ErrConfigError, "codec"), ErrInvalidArgument), CodeInvalidArgument},
		{"maintenance keeps cause", errors.Mark(errors.Wrap(ErrIOError, "write"), ErrMaintenanceFailed), CodeMaintenanceFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Fatalf("CodeOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCodeString(t *testing.T) {
	seen := make(map[string]Code)
	for c := CodeOK; c <= CodeUnknown; c++ {
		s := c.String()
		if s == "" {
			t.Fatalf("code %d has no name", c)
		}
		if prev, ok := seen[s]; ok {
			t.Fatalf("codes %d and %d share the name %q", prev, c, s)
		}
		seen[s] = c
	}
	if got := Code(999).String(); got != "Unknown" {
		t.Fatalf("Code(999) = %q", got)
	}
}

func TestEngineErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  Code
	}{
		{"not found", pebble.ErrNotFound, CodeNotFound},
		{"corruption", errors.Wrap(pebble.ErrCorruption, "sstable"), CodeCorruption},
		{"corrupt value", compression.ErrCorrupt, CodeCorruption},
		{"unsupported codec", compression.ErrUnsupported, CodeConfigError},
		{"no space", &fs.PathError{Op: "write", Path: "000001.log", Err: syscall.ENOSPC}, CodeFull},
		{"lock", vfs.ErrLockHeld, CodeLockHeld},
		{"closed", pebble.ErrClosed, CodeInvalidHandle},
		{"other", errors.New("short write"), CodeIOError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engineError(tt.cause, "op %d", 1)
			if got := CodeOf(err); got != tt.want {
				t.Fatalf("code = %v, want %v (err: %v)", got, tt.want, err)
			}
			if !errors.Is(err, tt.cause) {
				t.Fatalf("%v lost its cause", err)
			}
			if !strings.HasPrefix(err.Error(), "op 1: ") {
				t.Fatalf("context missing: %q", err)
			}
		})
	}
	if engineError(nil, "noop") != nil {
		t.Fatal("engineError(nil) != nil")
	}

	// An error that already has a code keeps it.
	err := engineError(errors.Wrap(ErrStaleSnapshot, "read"), "get")
	wantCode(t, err, CodeStaleSnapshot)
}

func TestInUseErrorMessage(t *testing.T) {
	err := &InUseError{Kind: "column family", Name: "cf", Snapshots: 2, Iterators: 1}
	msg := err.Error()
	for _, want := range []string{`column family "cf"`, "2 snapshot(s)", "1 iterator(s)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("%q does not mention %q", msg, want)
		}
	}
	if strings.Contains(msg, "writer") {
		t.Errorf("%q mentions zero counts", msg)
	}
	var target *InUseError
	if !errors.As(errors.Wrap(err, "close"), &target) || target.Iterators != 1 {
		t.Fatal("InUseError does not survive wrapping")
	}
}
