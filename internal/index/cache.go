package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// CacheFileName is the fingerprint cache inside the data directory.
const CacheFileName = "fingerprints.json"

const cacheVersion = 1

// CacheEntry is the last applied state of one record.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Cache maps record ids to the fingerprints the index holds. It is the only
// record of what the last successful cycle applied.
type Cache struct {
	Version   int                   `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Entries   map[string]CacheEntry `json:"entries"`
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{Version: cacheVersion, Entries: make(map[string]CacheEntry)}
}

// Next builds the cache that describes records once they are applied.
// Entries whose fingerprint did not change keep their timestamp.
func (c *Cache) Next(records []*knowledge.Record, now time.Time) *Cache {
	next := &Cache{
		Version:   cacheVersion,
		UpdatedAt: now,
		Entries:   make(map[string]CacheEntry, len(records)),
	}
	for _, rec := range records {
		entry := CacheEntry{Fingerprint: rec.Fingerprint, UpdatedAt: now}
		if old, ok := c.Entries[rec.ID]; ok && old.Fingerprint == rec.Fingerprint {
			entry.UpdatedAt = old.UpdatedAt
		}
		next.Entries[rec.ID] = entry
	}
	return next
}

// CacheFile persists a Cache. Saves replace the file atomically.
type CacheFile struct {
	path string
}

// NewCacheFile returns the cache file of dataDir.
func NewCacheFile(dataDir string) *CacheFile {
	return &CacheFile{path: filepath.Join(dataDir, CacheFileName)}
}

// Path returns the file location.
func (f *CacheFile) Path() string {
	return f.path
}

// Load reads the cache. A missing file is an empty cache.
func (f *CacheFile) Load() (*Cache, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return NewCache(), nil
	}
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to read fingerprint cache", err)
	}

	c := NewCache()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeCacheCorrupt, "fingerprint cache is not valid JSON", err).
			WithDetail("path", f.path)
	}
	if c.Entries == nil {
		c.Entries = make(map[string]CacheEntry)
	}
	return c, nil
}

// Save writes c through a temporary file and a rename, so readers see either
// the old cache or the new one.
func (f *CacheFile) Save(c *Cache) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprint cache: %w", err)
	}
	if err := renameio.WriteFile(f.path, data, 0o644); err != nil {
		return kberrors.New(kberrors.ErrCodeStoreIO, "failed to write fingerprint cache", err)
	}
	return nil
}
