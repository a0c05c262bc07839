package logging

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error %d", 1)
			logger.Warnf("warn %d", 2)
			logger.Infof("info %d", 3)
			logger.Debugf("debug %d", 4)

			output := buf.String()

			if got := strings.Contains(output, "lvl=eror"); got != tt.wantError {
				t.Errorf("Error logged: got %v, want %v", got, tt.wantError)
			}
			if got := strings.Contains(output, "lvl=warn"); got != tt.wantWarn {
				t.Errorf("Warn logged: got %v, want %v", got, tt.wantWarn)
			}
			if got := strings.Contains(output, "lvl=info"); got != tt.wantInfo {
				t.Errorf("Info logged: got %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "lvl=dbug"); got != tt.wantDebug {
				t.Errorf("Debug logged: got %v, want %v", got, tt.wantDebug)
			}
			if tt.wantDebug && !strings.Contains(output, "debug 4") {
				t.Error("formatted debug message not found")
			}
		})
	}
}

func TestDefaultLogger_FatalCallsHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelError)

	var got atomic.Value
	logger.SetFatalHandler(func(msg string) { got.Store(msg) })

	logger.Fatalf("%sdisk gone: %d", NSDB, 5)

	if msg, _ := got.Load().(string); msg != "[db] disk gone: 5" {
		t.Errorf("handler got %q", msg)
	}
	if !strings.Contains(buf.String(), "lvl=crit") {
		t.Errorf("fatal record missing at error level: %s", buf.String())
	}
}

func TestDefaultLogger_WithSharesFatalHandler(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(&buf, LevelInfo)

	var calls atomic.Int32
	parent.SetFatalHandler(func(string) { calls.Add(1) })

	child := parent.With("db", "/tmp/x")
	child.Infof("%sopened", NSDB)
	child.Fatalf("boom")

	output := buf.String()
	if !strings.Contains(output, "db=/tmp/x") {
		t.Errorf("context missing from output: %s", output)
	}
	if !strings.Contains(output, "[db] opened") {
		t.Errorf("namespace missing from output: %s", output)
	}
	if calls.Load() != 1 {
		t.Errorf("fatal handler calls = %d, want 1", calls.Load())
	}
}

func TestDiscardLogger(t *testing.T) {
	Discard.Errorf("error %d", 1)
	Discard.Warnf("warn %d", 1)
	Discard.Infof("info %d", 1)
	Discard.Debugf("debug %d", 1)
	Discard.Fatalf("fatal %d", 1)
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelError, "ERROR"},
		{LevelWarn, "WARN"},
		{LevelInfo, "INFO"},
		{LevelDebug, "DEBUG"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"error", "warn", "info", "debug"} {
		lvl, err := ParseLevel(name)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", name, err)
		}
		if !strings.EqualFold(lvl.String(), name) {
			t.Errorf("ParseLevel(%q) = %s", name, lvl)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestNamespaceConstants(t *testing.T) {
	for _, ns := range []string{NSDB, NSCF, NSCatalog, NSCompact, NSFlush} {
		if !strings.HasPrefix(ns, "[") || !strings.HasSuffix(ns, "] ") {
			t.Errorf("namespace %q should be in [name] format", ns)
		}
	}
}

func TestIsNilAndOrDefault(t *testing.T) {
	var typed *DefaultLogger
	if !IsNil(nil) || !IsNil(typed) {
		t.Error("IsNil should detect nil and typed-nil loggers")
	}
	if IsNil(Discard) {
		t.Error("IsNil(Discard) = true")
	}
	if OrDefault(typed) == nil {
		t.Error("OrDefault returned nil")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault replaced a valid logger")
	}
}
