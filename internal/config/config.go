// Package config loads kbsync configuration.
//
// Precedence, lowest first: hardcoded defaults, user config
// (~/.config/kbsync/config.yaml), project config (.kbsync.yaml),
// KBSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Source     SourceConfig     `yaml:"source" json:"source"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Vector     VectorConfig     `yaml:"vector" json:"vector"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// SourceConfig describes where the knowledge snapshot is read from.
type SourceConfig struct {
	// Files are CSV exports, read in order. A file's Category is used for
	// rows whose category column is empty or missing.
	Files []SourceFile `yaml:"files" json:"files"`
	// Delimiter forces the CSV delimiter. Empty means auto-detect.
	Delimiter string `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
}

// SourceFile is one CSV export.
type SourceFile struct {
	Path     string `yaml:"path" json:"path"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

// SyncConfig controls change detection and apply strategy.
type SyncConfig struct {
	// FullRebuildThreshold is the change ratio above which a full rebuild runs.
	FullRebuildThreshold float64 `yaml:"full_rebuild_threshold" json:"full_rebuild_threshold"`
	// SlugMaxLength caps the label slug inside record ids.
	SlugMaxLength int `yaml:"slug_max_length" json:"slug_max_length"`
	// IDHashLength is the number of hex chars of the digest appended to ids.
	IDHashLength int `yaml:"id_hash_length" json:"id_hash_length"`
	// RestoreRetries bounds re-insertion attempts for operator records after a wipe.
	RestoreRetries int `yaml:"restore_retries" json:"restore_retries"`
	// RestoreBackoff is the initial retry delay (e.g. "500ms").
	RestoreBackoff string `yaml:"restore_backoff" json:"restore_backoff"`
	// HistorySize is the number of sync results kept.
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// SearchConfig controls hybrid retrieval.
type SearchConfig struct {
	KeywordBonus    float64 `yaml:"keyword_bonus" json:"keyword_bonus"`
	DefaultLimit    int     `yaml:"default_limit" json:"default_limit"`
	MaxLimit        int     `yaml:"max_limit" json:"max_limit"`
	DefaultLanguage string  `yaml:"default_language" json:"default_language"`
	// VectorTimeout bounds a single similarity backend call.
	VectorTimeout string `yaml:"vector_timeout" json:"vector_timeout"`
	// BreakerFailures opens the vector circuit after this many consecutive failures.
	BreakerFailures int    `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerReset    string `yaml:"breaker_reset" json:"breaker_reset"`
}

// EmbeddingsConfig selects the embedder.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size"`
}

// VectorConfig tunes the HNSW graph.
type VectorConfig struct {
	M        int `yaml:"m" json:"m"`
	EfSearch int `yaml:"ef_search" json:"ef_search"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// TelemetryConfig controls local query analytics.
type TelemetryConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled"`
	// GapScore is the best-hit score below which a query is a knowledge gap.
	GapScore float64 `yaml:"gap_score" json:"gap_score"`
	// MaxGaps bounds the gaps buffered between flushes.
	MaxGaps int `yaml:"max_gaps" json:"max_gaps"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Source: SourceConfig{
			Files: []SourceFile{{Path: "data/knowledge.csv"}},
		},
		Sync: SyncConfig{
			FullRebuildThreshold: 0.5,
			SlugMaxLength:        30,
			IDHashLength:         8,
			RestoreRetries:       4,
			RestoreBackoff:       "500ms",
			HistorySize:          50,
		},
		Search: SearchConfig{
			KeywordBonus:    0.5,
			DefaultLimit:    3,
			MaxLimit:        50,
			DefaultLanguage: "ukr",
			VectorTimeout:   "5s",
			BreakerFailures: 5,
			BreakerReset:    "30s",
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "static",
			Dimensions: 256,
			CacheSize:  1000,
		},
		Vector: VectorConfig{
			M:        16,
			EfSearch: 64,
		},
		Storage: StorageConfig{
			DataDir: ".kbsync",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Telemetry: TelemetryConfig{
			GapScore: 0.3,
			MaxGaps:  100,
		},
	}
}

// GetUserConfigPath returns the user configuration file path, honoring
// XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kbsync", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "kbsync", "config.yaml")
	}
	return filepath.Join(home, ".config", "kbsync", "config.yaml")
}

// Load loads configuration for the project in dir.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	for _, name := range []string{".kbsync.yaml", ".kbsync.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			if err := cfg.loadYAML(path); err != nil {
				return nil, err
			}
			break
		}
	}

	cfg.applyEnvOverrides()
	cfg.resolvePaths(dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile loads defaults merged with a single explicit config file.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if len(other.Source.Files) > 0 {
		c.Source.Files = other.Source.Files
	}
	if other.Source.Delimiter != "" {
		c.Source.Delimiter = other.Source.Delimiter
	}

	mergeFloat(&c.Sync.FullRebuildThreshold, other.Sync.FullRebuildThreshold)
	mergeInt(&c.Sync.SlugMaxLength, other.Sync.SlugMaxLength)
	mergeInt(&c.Sync.IDHashLength, other.Sync.IDHashLength)
	mergeInt(&c.Sync.RestoreRetries, other.Sync.RestoreRetries)
	mergeString(&c.Sync.RestoreBackoff, other.Sync.RestoreBackoff)
	mergeInt(&c.Sync.HistorySize, other.Sync.HistorySize)

	mergeFloat(&c.Search.KeywordBonus, other.Search.KeywordBonus)
	mergeInt(&c.Search.DefaultLimit, other.Search.DefaultLimit)
	mergeInt(&c.Search.MaxLimit, other.Search.MaxLimit)
	mergeString(&c.Search.DefaultLanguage, other.Search.DefaultLanguage)
	mergeString(&c.Search.VectorTimeout, other.Search.VectorTimeout)
	mergeInt(&c.Search.BreakerFailures, other.Search.BreakerFailures)
	mergeString(&c.Search.BreakerReset, other.Search.BreakerReset)

	mergeString(&c.Embeddings.Provider, other.Embeddings.Provider)
	mergeInt(&c.Embeddings.Dimensions, other.Embeddings.Dimensions)
	mergeInt(&c.Embeddings.CacheSize, other.Embeddings.CacheSize)

	mergeInt(&c.Vector.M, other.Vector.M)
	mergeInt(&c.Vector.EfSearch, other.Vector.EfSearch)

	mergeString(&c.Storage.DataDir, other.Storage.DataDir)

	mergeString(&c.Logging.Level, other.Logging.Level)
	mergeString(&c.Logging.File, other.Logging.File)
	mergeInt(&c.Logging.MaxSizeMB, other.Logging.MaxSizeMB)
	mergeInt(&c.Logging.MaxFiles, other.Logging.MaxFiles)

	if other.Telemetry.Disabled {
		c.Telemetry.Disabled = true
	}
	mergeFloat(&c.Telemetry.GapScore, other.Telemetry.GapScore)
	mergeInt(&c.Telemetry.MaxGaps, other.Telemetry.MaxGaps)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies KBSYNC_* variables. Invalid values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KBSYNC_SOURCE"); v != "" {
		var files []SourceFile
		for _, p := range strings.Split(v, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				files = append(files, SourceFile{Path: p})
			}
		}
		if len(files) > 0 {
			c.Source.Files = files
		}
	}
	if v := os.Getenv("KBSYNC_FULL_REBUILD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 && f <= 1 {
			c.Sync.FullRebuildThreshold = f
		}
	}
	if v := os.Getenv("KBSYNC_KEYWORD_BONUS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 {
			c.Search.KeywordBonus = f
		}
	}
	if v := os.Getenv("KBSYNC_DEFAULT_LANGUAGE"); v != "" {
		c.Search.DefaultLanguage = v
	}
	if v := os.Getenv("KBSYNC_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("KBSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KBSYNC_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("KBSYNC_TELEMETRY"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "off", "no":
			c.Telemetry.Disabled = true
		case "1", "true", "on", "yes":
			c.Telemetry.Disabled = false
		}
	}
}

// resolvePaths makes relative source and data paths relative to dir.
func (c *Config) resolvePaths(dir string) {
	if dir == "" {
		return
	}
	for i, f := range c.Source.Files {
		if f.Path != "" && !filepath.IsAbs(f.Path) {
			c.Source.Files[i].Path = filepath.Join(dir, f.Path)
		}
	}
	if c.Storage.DataDir != "" && !filepath.IsAbs(c.Storage.DataDir) {
		c.Storage.DataDir = filepath.Join(dir, c.Storage.DataDir)
	}
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	if c.Sync.FullRebuildThreshold <= 0 || c.Sync.FullRebuildThreshold > 1 {
		return fmt.Errorf("sync.full_rebuild_threshold must be in (0, 1], got %g", c.Sync.FullRebuildThreshold)
	}
	if c.Sync.IDHashLength < 4 || c.Sync.IDHashLength > 32 {
		return fmt.Errorf("sync.id_hash_length must be between 4 and 32, got %d", c.Sync.IDHashLength)
	}
	if c.Sync.SlugMaxLength < 1 {
		return fmt.Errorf("sync.slug_max_length must be positive, got %d", c.Sync.SlugMaxLength)
	}
	if c.Sync.RestoreRetries < 1 {
		return fmt.Errorf("sync.restore_retries must be at least 1, got %d", c.Sync.RestoreRetries)
	}
	if c.Search.KeywordBonus < 0 {
		return fmt.Errorf("search.keyword_bonus must be non-negative, got %g", c.Search.KeywordBonus)
	}
	if c.Search.DefaultLimit < 1 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("search limits invalid: default %d, max %d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	switch strings.ToLower(c.Search.DefaultLanguage) {
	case "ukr", "rus":
	default:
		return fmt.Errorf("search.default_language must be 'ukr' or 'rus', got %s", c.Search.DefaultLanguage)
	}
	if c.Embeddings.Provider != "static" {
		return fmt.Errorf("embeddings.provider must be 'static', got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions < 8 {
		return fmt.Errorf("embeddings.dimensions must be at least 8, got %d", c.Embeddings.Dimensions)
	}
	for _, field := range []struct{ name, value string }{
		{"sync.restore_backoff", c.Sync.RestoreBackoff},
		{"search.vector_timeout", c.Search.VectorTimeout},
		{"search.breaker_reset", c.Search.BreakerReset},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	if c.Telemetry.GapScore < 0 {
		return fmt.Errorf("telemetry.gap_score must be non-negative, got %g", c.Telemetry.GapScore)
	}
	if c.Telemetry.MaxGaps < 1 {
		return fmt.Errorf("telemetry.max_gaps must be positive, got %d", c.Telemetry.MaxGaps)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	return nil
}

// Duration parses a validated duration field, falling back to def.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
