package rockguard

// errors.go defines the error taxonomy of the access layer.
//
// Every fallible operation returns an error that matches exactly one of the
// sentinels below under errors.Is. Engine failures keep their original
// cause: they are marked with a sentinel, not replaced by it.

import (
	"fmt"
	"io/fs"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/aalhour/rockguard/internal/catalog"
	"github.com/aalhour/rockguard/internal/compression"
	"github.com/aalhour/rockguard/internal/registry"
	"github.com/aalhour/rockguard/internal/vfs"
)

// Code is the kind of a returned error.
type Code int

const (
	// CodeOK is the code of a nil error.
	CodeOK Code = iota
	CodeNotFound
	CodeCorruption
	CodeLockHeld
	CodeInUse
	CodeIOError
	CodeFull
	CodeConfigError
	CodeInvalidIterator
	CodeStaleSnapshot
	CodeBatchAlreadyCommitted
	CodeMaintenanceFailed
	CodeInvalidArgument
	CodeInvalidHandle
	CodeBusy

	// CodeUnknown is returned for errors that did not originate here.
	CodeUnknown
)

var (
	ErrNotFound              = errors.New("rockguard: not found")
	ErrCorruption            = errors.New("rockguard: corruption")
	ErrLockHeld              = errors.New("rockguard: lock held")
	ErrInUse                 = errors.New("rockguard: in use")
	ErrIOError               = errors.New("rockguard: io error")
	ErrFull                  = errors.New("rockguard: no space left")
	ErrConfigError           = errors.New("rockguard: invalid configuration")
	ErrInvalidIterator       = errors.New("rockguard: iterator is not valid")
	ErrStaleSnapshot         = errors.New("rockguard: snapshot was released")
	ErrBatchAlreadyCommitted = errors.New("rockguard: batch already committed")
	ErrMaintenanceFailed     = errors.New("rockguard: maintenance failed")
	ErrInvalidArgument       = errors.New("rockguard: invalid argument")
	ErrInvalidHandle         = errors.New("rockguard: handle is closed or invalid")
	ErrBusy                  = errors.New("rockguard: transaction conflict")
)

var codeSentinels = []struct {
	code Code
	err  error
}{
	// Order matters: a maintenance failure also carries its engine cause.
	{CodeMaintenanceFailed, ErrMaintenanceFailed},
	{CodeInUse, ErrInUse},
	{CodeBusy, ErrBusy},
	{CodeStaleSnapshot, ErrStaleSnapshot},
	{CodeInvalidIterator, ErrInvalidIterator},
	{CodeBatchAlreadyCommitted, ErrBatchAlreadyCommitted},
	{CodeInvalidHandle, ErrInvalidHandle},
	{CodeInvalidArgument, ErrInvalidArgument},
	{CodeConfigError, ErrConfigError},
	{CodeLockHeld, ErrLockHeld},
	{CodeCorruption, ErrCorruption},
	{CodeFull, ErrFull},
	{CodeNotFound, ErrNotFound},
	{CodeIOError, ErrIOError},
}

// String returns the name of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNotFound:
		return "NotFound"
	case CodeCorruption:
		return "Corruption"
	case CodeLockHeld:
		return "LockHeld"
	case CodeInUse:
		return "InUse"
	case CodeIOError:
		return "IOError"
	case CodeFull:
		return "Full"
	case CodeConfigError:
		return "ConfigError"
	case CodeInvalidIterator:
		return "InvalidIterator"
	case CodeStaleSnapshot:
		return "StaleSnapshot"
	case CodeBatchAlreadyCommitted:
		return "BatchAlreadyCommitted"
	case CodeMaintenanceFailed:
		return "MaintenanceFailed"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeInvalidHandle:
		return "InvalidHandle"
	case CodeBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// CodeOf classifies err.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, s := range codeSentinels {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return CodeUnknown
}

// InUseError is returned when a close or drop is refused because derived
// handles are still live.
type InUseError struct {
	// Kind is "db" or "column family".
	Kind string
	// Name is the database path or the column family name.
	Name string

	Handles   int64
	Snapshots int64
	Iterators int64
	Writers   int64
}

func (e *InUseError) Error() string {
	var parts []string
	add := func(n int64, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(e.Handles, "column family handle(s)")
	add(e.Snapshots, "snapshot(s)")
	add(e.Iterators, "iterator(s)")
	add(e.Writers, "writer(s)")
	return fmt.Sprintf("rockguard: %s %q in use: %s live", e.Kind, e.Name, strings.Join(parts, ", "))
}

// Is makes errors.Is(err, ErrInUse) hold.
func (e *InUseError) Is(target error) bool {
	return target == ErrInUse
}

func newInUseError(kind, name string, re *registry.InUseError) *InUseError {
	return &InUseError{
		Kind:      kind,
		Name:      name,
		Handles:   re.Counts[registry.KindHandle],
		Snapshots: re.Counts[registry.KindSnapshot],
		Iterators: re.Counts[registry.KindIterator],
		Writers:   re.Counts[registry.KindWriter],
	}
}

// retireError converts a refused registry retire into a public error.
func retireError(kind, name string, err error) error {
	var re *registry.InUseError
	if errors.As(err, &re) {
		return newInUseError(kind, name, re)
	}
	if errors.Is(err, registry.ErrRetiring) {
		return errors.Wrapf(ErrInUse, "%s %q is being closed", kind, name)
	}
	return errors.Wrapf(ErrInvalidHandle, "%s %q", kind, name)
}

// classify returns the sentinel an engine or filesystem error maps to.
func classify(err error) error {
	switch {
	case errors.Is(err, pebble.ErrNotFound), errors.Is(err, catalog.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, syscall.ENOSPC):
		return ErrFull
	case errors.Is(err, pebble.ErrCorruption),
		errors.Is(err, compression.ErrCorrupt),
		errors.Is(err, catalog.ErrCorrupt):
		return ErrCorruption
	case errors.Is(err, compression.ErrUnsupported):
		return ErrConfigError
	case errors.Is(err, vfs.ErrLockHeld):
		return ErrLockHeld
	case errors.Is(err, pebble.ErrClosed):
		return ErrInvalidHandle
	default:
		return ErrIOError
	}
}

// engineError marks err with its sentinel and adds context. Errors that
// already carry a sentinel are only wrapped.
func engineError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) == CodeUnknown {
		err = errors.Mark(err, classify(err))
	}
	return errors.Wrapf(err, format, args...)
}

// isNotExist reports whether err says a file is missing.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
