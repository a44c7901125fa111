package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugLogger_WritesTimestampedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "orchestrator.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger() error = %v", err)
	}
	l.Log("run %s started", "run-1")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "run run-1 started") {
		t.Errorf("log missing message, got %q", data)
	}
	if !strings.Contains(string(data), "debug log started") {
		t.Errorf("log missing header, got %q", data)
	}
}

func TestDebugLogger_NilAndNopAreSafe(t *testing.T) {
	var l *DebugLogger
	l.Log("ignored")
	if err := l.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}

	n := NopLogger()
	n.Log("ignored")
	if _, err := n.Writer().Write([]byte("x")); err != nil {
		t.Errorf("nop Writer().Write() error = %v", err)
	}
}
