// Package logging provides the logging interface and the default
// implementation used by rockguard.
//
// The interface has five levels (Error, Warn, Info, Debug, Fatal). Callers
// can wrap their own structured loggers if needed.
//
// Fatalf logs at critical level and calls the configured FatalHandler. The
// DB wires the handler to set its background error, after which writes are
// rejected. Fatalf never exits the process.
//
// DefaultLogger renders records in logfmt through log15:
//
//	t=2026-10-18T10:02:11+0000 lvl=info msg="[flush] flush finished" db=/data/x
//
// Component namespace prefixes are used for filtering:
//   - [db]      general database operations
//   - [cf]      column family lifecycle
//   - [catalog] column family catalog persistence
//   - [compact] compaction
//   - [flush]   flush
//   - [txn]     transactions
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync/atomic"

	"github.com/inconshreveable/log15"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked.
//
// Contract: FatalHandler must be safe for concurrent use.
// Contract: FatalHandler must not call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name as accepted in configuration.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "error", "ERROR":
		return LevelError, nil
	case "warn", "WARN", "warning":
		return LevelWarn, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "debug", "DEBUG":
		return LevelDebug, nil
	default:
		return LevelWarn, fmt.Errorf("unknown log level %q", s)
	}
}

// lvl maps a Level onto the log15 scale, where critical is 0.
func (l Level) lvl() log15.Lvl {
	return log15.Lvl(l + 1)
}

// Logger defines the interface for database logging.
//
// User-provided Logger implementations MUST be safe for concurrent use.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)

	// Fatalf logs a fatal error and triggers the fatal handler.
	// Writes are rejected afterwards; reads may continue.
	Fatalf(format string, args ...any)
}

// DefaultLogger is the default logger. It is safe for concurrent use.
// Level is read-only after construction.
type DefaultLogger struct {
	logger       log15.Logger
	level        Level
	fatalHandler *atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a new default logger with the specified level.
// It writes to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a new logger with the specified output and level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	l := log15.New()
	l.SetHandler(log15.LvlFilterHandler(level.lvl(), log15.StreamHandler(w, log15.LogfmtFormat())))
	return &DefaultLogger{
		logger:       l,
		level:        level,
		fatalHandler: new(atomic.Pointer[FatalHandler]),
	}
}

// With returns a logger that attaches the given key/value pairs to every
// record. The child shares the parent's output and fatal handler.
func (l *DefaultLogger) With(ctx ...any) *DefaultLogger {
	return &DefaultLogger{
		logger:       l.logger.New(ctx...),
		level:        l.level,
		fatalHandler: l.fatalHandler,
	}
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	if l.level >= LevelInfo {
		l.logger.Info(fmt.Sprintf(format, args...))
	}
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.level >= LevelDebug {
		l.logger.Debug(fmt.Sprintf(format, args...))
	}
}

// Fatalf logs at critical level, which is never filtered, and calls the
// fatal handler if one is set.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Crit(msg)

	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes for log messages.
const (
	// NSDB is the namespace for general database operations.
	NSDB = "[db] "
	// NSCF is the namespace for column family lifecycle.
	NSCF = "[cf] "
	// NSCatalog is the namespace for catalog persistence.
	NSCatalog = "[catalog] "
	// NSCompact is the namespace for compaction operations.
	NSCompact = "[compact] "
	// NSFlush is the namespace for flush operations.
	NSFlush = "[flush] "
	// NSTxn is the namespace for transactions.
	NSTxn = "[txn] "
)

// IsNil returns true if the logger is nil or a typed-nil.
// A typed-nil occurs when a nil pointer is assigned to an interface:
//
//	var l *MyLogger = nil
//	opts.Logger = l  // Interface is not nil, but underlying pointer is
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns the provided logger if it is valid, otherwise a
// WARN-level logger on stderr.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
