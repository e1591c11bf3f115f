package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

const sampleLog = `{"time":"2026-03-10T09:00:00Z","level":"INFO","msg":"sync completed","strategy":"incremental","added":2}
{"time":"2026-03-10T09:00:01Z","level":"DEBUG","msg":"search completed","results":3}
not json at all
{"time":"2026-03-10T09:00:02Z","level":"WARN","msg":"search degraded to keyword only"}
{"time":"2026-03-10T09:00:03Z","level":"ERROR","msg":"failed to save query analytics","error":"disk full"}
`

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseEntry(t *testing.T) {
	e := ParseEntry(`{"time":"2026-03-10T09:00:00Z","level":"INFO","msg":"sync completed","added":2}`)
	if !e.IsValid || e.Level != "INFO" || e.Msg != "sync completed" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if !e.Time.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time: %v", e.Time)
	}
	if e.Attrs["added"] != float64(2) {
		t.Errorf("expected added=2, got %v", e.Attrs["added"])
	}
	if _, ok := e.Attrs["msg"]; ok {
		t.Error("standard keys must not appear in attrs")
	}

	raw := ParseEntry("plain text")
	if raw.IsValid || raw.Raw != "plain text" {
		t.Errorf("unexpected entry for plain text: %+v", raw)
	}
}

func TestViewer_TailFiltersByLevel(t *testing.T) {
	path := writeLog(t, t.TempDir(), "kbsync.log", sampleLog)
	v := NewViewer(ViewerConfig{Level: "warn", NoColor: true}, &bytes.Buffer{})

	entries, err := v.Tail(path, 10)
	if err != nil {
		t.Fatal(err)
	}

	// WARN, ERROR and the unparsed line
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].Level != "ERROR" {
		t.Errorf("expected ERROR last, got %s", entries[2].Level)
	}
}

func TestViewer_TailLimitAndPattern(t *testing.T) {
	path := writeLog(t, t.TempDir(), "kbsync.log", sampleLog)
	v := NewViewer(ViewerConfig{Pattern: regexp.MustCompile(`search`)}, &bytes.Buffer{})

	entries, err := v.Tail(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Msg != "search degraded to keyword only" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestViewer_TailReadsRotatedFile(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "kbsync.log.1", `{"time":"2026-03-09T09:00:00Z","level":"INFO","msg":"older"}`+"\n")
	path := writeLog(t, dir, "kbsync.log", `{"time":"2026-03-10T09:00:00Z","level":"INFO","msg":"newer"}`+"\n")

	entries, err := NewViewer(ViewerConfig{}, &bytes.Buffer{}).Tail(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Msg != "older" || entries[1].Msg != "newer" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestViewer_TailMissingFile(t *testing.T) {
	_, err := NewViewer(ViewerConfig{}, &bytes.Buffer{}).Tail(filepath.Join(t.TempDir(), "none.log"), 10)
	if err == nil {
		t.Fatal("expected an error for a missing log file")
	}
}

func TestViewer_FormatEntry(t *testing.T) {
	var buf bytes.Buffer
	v := NewViewer(ViewerConfig{NoColor: true}, &buf)

	v.Print([]LogEntry{
		ParseEntry(`{"time":"2026-03-10T09:00:00Z","level":"INFO","msg":"sync completed","strategy":"incremental","added":2}`),
		ParseEntry("plain text"),
	})

	out := buf.String()
	if !strings.Contains(out, "INFO  sync completed added=2 strategy=incremental") {
		t.Errorf("unexpected output: %q", out)
	}
	if !strings.Contains(out, "\nplain text\n") {
		t.Errorf("raw lines should be printed unchanged: %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Error("NoColor output must not contain escape codes")
	}
}

func TestViewer_Follow(t *testing.T) {
	path := writeLog(t, t.TempDir(), "kbsync.log", sampleLog)
	v := NewViewer(ViewerConfig{Level: "info"}, &bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries := make(chan LogEntry, 4)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, entries) }()

	// Give Follow time to seek to the end before appending.
	time.Sleep(200 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"time":"2026-03-10T10:00:00Z","level":"DEBUG","msg":"hidden"}` + "\n")
	_, _ = f.WriteString(`{"time":"2026-03-10T10:00:01Z","level":"INFO","msg":"appended"}` + "\n")
	_ = f.Close()

	select {
	case e := <-entries:
		if e.Msg != "appended" {
			t.Errorf("expected the appended entry, got %q", e.Msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for a followed entry")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Follow returned %v", err)
	}
}
