package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()
	if filepath.Base(path) != "kbsync.log" {
		t.Errorf("DefaultLogPath should end with kbsync.log, got: %s", path)
	}
	if !strings.Contains(path, ".kbsync") {
		t.Errorf("DefaultLogPath should live under .kbsync, got: %s", path)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Errorf("expected level 'info', got: %s", cfg.Level)
	}
	if cfg.FilePath != "" {
		t.Errorf("expected stderr-only default, got file: %s", cfg.FilePath)
	}

	debug := DebugConfig()
	if debug.Level != "debug" || debug.FilePath == "" {
		t.Errorf("unexpected debug config: %+v", debug)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetup_StderrOnlyWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Stderr = &buf

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer cleanup()

	logger.Debug("hidden")
	logger.Info("sync complete", slog.Int("added", 3))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "sync complete" || entry["added"] != float64(3) {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestSetup_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kbsync.log")
	var stderr bytes.Buffer
	cfg := Config{Level: "debug", FilePath: path, MaxSizeMB: 1, MaxFiles: 2, Stderr: &stderr}

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	logger.Debug("to file")
	cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file does not contain entry: %s", data)
	}
	if stderr.Len() != 0 {
		t.Errorf("stderr should be untouched when WriteToStderr is false")
	}
}

func TestRotatingWriter_RotatesAndPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbsync.log")
	w, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	defer w.Close()
	// Force tiny rotations.
	w.maxSize = 10

	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("0123456789")); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	for _, name := range []string{"kbsync.log", "kbsync.log.1", "kbsync.log.2"} {
		if _, err := os.Stat(filepath.Join(filepath.Dir(path), name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected kbsync.log.3 to be pruned")
	}
}
