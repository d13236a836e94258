package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPathForPrefersExplicitPath(t *testing.T) {
	c := Config{Dir: "/var/log/combiner", Path: "/tmp/custom.log"}
	if got := c.PathFor("web"); got != "/tmp/custom.log" {
		t.Fatalf("PathFor = %q, want explicit path", got)
	}
	c.Path = ""
	if got := c.PathFor("web"); got != filepath.Join("/var/log/combiner", "web.log") {
		t.Fatalf("PathFor = %q", got)
	}
	if got := (Config{}).PathFor("web"); got != "" {
		t.Fatalf("PathFor on empty config = %q, want empty", got)
	}
}

func TestWriterCreatesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	c := Config{Dir: dir}
	w := c.Writer("api")
	if w == nil {
		t.Fatal("Writer returned nil for configured dir")
	}
	defer func() { _ = w.Close() }()

	if _, err := w.Write([]byte("line one\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "api.log"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.Contains(string(data), "line one") {
		t.Fatalf("log file missing written line: %q", data)
	}
}

func TestWriterNilWithoutDestination(t *testing.T) {
	if w := (Config{}).Writer("api"); w != nil {
		t.Fatal("expected nil writer when no destination is configured")
	}
}

func TestColorTextHandlerPrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	r := slog.NewRecord(time.Now(), slog.LevelWarn, "disk almost full", 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "\033[33m") || !strings.Contains(out, ansiReset) {
		t.Fatalf("output missing warn color codes: %q", out)
	}
	if !strings.Contains(out, "disk almost full") {
		t.Fatalf("output missing message: %q", out)
	}
}

func TestNewDaemonLoggerWritesFileWhenDetached(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combiner.log")
	log := NewDaemonLogger(path, slog.LevelInfo, false)
	log.Info("supervisor ready", "pid", 42)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read daemon log: %v", err)
	}
	if !strings.Contains(string(data), "supervisor ready") {
		t.Fatalf("daemon log missing record: %q", data)
	}
}
