package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
)

// HistoryFileName is the sync history inside the data directory.
const HistoryFileName = "history.json"

// DefaultHistorySize is how many results are kept.
const DefaultHistorySize = 50

// HistoryEntry is the persisted summary of one sync cycle.
type HistoryEntry struct {
	Time       time.Time `json:"time"`
	Success    bool      `json:"success"`
	Strategy   Strategy  `json:"strategy,omitempty"`
	Added      int       `json:"added"`
	Modified   int       `json:"modified"`
	Deleted    int       `json:"deleted"`
	Preserved  int       `json:"preserved"`
	Unchanged  int       `json:"unchanged"`
	Rejected   int       `json:"rejected"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
}

// ChangeCount is the number of mutated records.
func (e HistoryEntry) ChangeCount() int {
	return e.Added + e.Modified + e.Deleted
}

// History is a capped, newest-last log of sync results.
type History struct {
	mu   sync.Mutex
	path string
	size int
}

// NewHistory returns the history of dataDir keeping size entries.
func NewHistory(dataDir string, size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{path: filepath.Join(dataDir, HistoryFileName), size: size}
}

// Entries returns the stored entries, oldest first. A missing or unreadable
// file is an empty history.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load()
}

func (h *History) load() []HistoryEntry {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// Last returns the newest entry.
func (h *History) Last() (HistoryEntry, bool) {
	entries := h.Entries()
	if len(entries) == 0 {
		return HistoryEntry{}, false
	}
	return entries[len(entries)-1], true
}

// Append adds e and drops the oldest entries beyond the cap.
func (h *History) Append(e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.load(), e)
	if len(entries) > h.size {
		entries = entries[len(entries)-h.size:]
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return renameio.WriteFile(h.path, data, 0o644)
}
