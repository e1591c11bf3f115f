package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config lookup at an empty directory and clears
// KBSYNC_* variables for the duration of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, k := range []string{
		"KBSYNC_SOURCE", "KBSYNC_FULL_REBUILD_THRESHOLD", "KBSYNC_KEYWORD_BONUS",
		"KBSYNC_DEFAULT_LANGUAGE", "KBSYNC_DATA_DIR", "KBSYNC_LOG_LEVEL", "KBSYNC_LOG_FILE",
		"KBSYNC_TELEMETRY",
	} {
		t.Setenv(k, "")
	}
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, 0.5, cfg.Sync.FullRebuildThreshold)
	assert.Equal(t, 30, cfg.Sync.SlugMaxLength)
	assert.Equal(t, 8, cfg.Sync.IDHashLength)
	assert.Equal(t, 50, cfg.Sync.HistorySize)
	assert.Equal(t, 0.5, cfg.Search.KeywordBonus)
	assert.Equal(t, "ukr", cfg.Search.DefaultLanguage)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
	assert.False(t, cfg.Telemetry.Disabled)
	assert.Equal(t, 0.3, cfg.Telemetry.GapScore)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles_UsesDefaultsWithResolvedPaths(t *testing.T) {
	// Given: an empty project directory
	isolate(t)
	dir := t.TempDir()

	// When: loading configuration
	cfg, err := Load(dir)

	// Then: defaults apply and relative paths are anchored at dir
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".kbsync"), cfg.Storage.DataDir)
	require.Len(t, cfg.Source.Files, 1)
	assert.Equal(t, filepath.Join(dir, "data", "knowledge.csv"), cfg.Source.Files[0].Path)
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	yaml := `
source:
  files:
    - path: exports/bags.csv
      category: bags
    - path: exports/cards.csv
sync:
  full_rebuild_threshold: 0.3
search:
  keyword_bonus: 0.75
  default_language: rus
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".kbsync.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	require.Len(t, cfg.Source.Files, 2)
	assert.Equal(t, "bags", cfg.Source.Files[0].Category)
	assert.Equal(t, filepath.Join(dir, "exports", "cards.csv"), cfg.Source.Files[1].Path)
	assert.Equal(t, 0.3, cfg.Sync.FullRebuildThreshold)
	assert.Equal(t, 0.75, cfg.Search.KeywordBonus)
	assert.Equal(t, "rus", cfg.Search.DefaultLanguage)
	// untouched fields keep defaults
	assert.Equal(t, 8, cfg.Sync.IDHashLength)
}

func TestLoad_UserConfigBelowProjectConfig(t *testing.T) {
	isolate(t)
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "kbsync"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "kbsync", "config.yaml"),
		[]byte("search:\n  default_limit: 7\n  keyword_bonus: 0.9\n"), 0o644))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".kbsync.yml"),
		[]byte("search:\n  keyword_bonus: 0.6\n"), 0o644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Search.DefaultLimit)
	assert.Equal(t, 0.6, cfg.Search.KeywordBonus)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".kbsync.yaml"),
		[]byte("sync:\n  full_rebuild_threshold: 0.3\n"), 0o644))
	t.Setenv("KBSYNC_FULL_REBUILD_THRESHOLD", "0.8")
	t.Setenv("KBSYNC_LOG_LEVEL", "debug")
	t.Setenv("KBSYNC_DATA_DIR", "/var/lib/kbsync")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Sync.FullRebuildThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/kbsync", cfg.Storage.DataDir)
}

func TestLoad_InvalidEnvValueIgnored(t *testing.T) {
	isolate(t)
	t.Setenv("KBSYNC_FULL_REBUILD_THRESHOLD", "1.5")

	cfg, err := Load(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Sync.FullRebuildThreshold)
}

func TestLoad_TelemetrySettings(t *testing.T) {
	// Given: a project file tuning telemetry
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".kbsync.yaml"),
		[]byte("telemetry:\n  gap_score: 0.45\n  max_gaps: 20\n"), 0o644))

	// When
	cfg, err := Load(dir)

	// Then
	require.NoError(t, err)
	assert.False(t, cfg.Telemetry.Disabled)
	assert.Equal(t, 0.45, cfg.Telemetry.GapScore)
	assert.Equal(t, 20, cfg.Telemetry.MaxGaps)

	// When: the environment switches it off
	t.Setenv("KBSYNC_TELEMETRY", "off")
	cfg, err = Load(dir)

	// Then
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Disabled)
}

func TestLoad_MalformedYAML(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".kbsync.yaml"), []byte("sync: [oops"), 0o644))

	_, err := Load(dir)

	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Sync.FullRebuildThreshold = 1.2 }},
		{"hash too short", func(c *Config) { c.Sync.IDHashLength = 2 }},
		{"restore retries disabled", func(c *Config) { c.Sync.RestoreRetries = 0 }},
		{"negative bonus", func(c *Config) { c.Search.KeywordBonus = -1 }},
		{"bad language", func(c *Config) { c.Search.DefaultLanguage = "en" }},
		{"bad provider", func(c *Config) { c.Embeddings.Provider = "ollama" }},
		{"bad duration", func(c *Config) { c.Search.VectorTimeout = "soon" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"negative gap score", func(c *Config) { c.Telemetry.GapScore = -0.1 }},
		{"no gap buffer", func(c *Config) { c.Telemetry.MaxGaps = 0 }},
		{"max below default", func(c *Config) { c.Search.MaxLimit = 1; c.Search.DefaultLimit = 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_FallsBack(t *testing.T) {
	assert.Equal(t, 2*time.Second, Duration("2s", time.Second))
	assert.Equal(t, time.Second, Duration("nope", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
}

func TestWriteYAML_RoundTripsThroughLoadFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "kbsync.yaml")
	cfg := NewConfig()
	cfg.Sync.FullRebuildThreshold = 0.25

	require.NoError(t, cfg.WriteYAML(path))
	loaded, err := LoadFile(path)

	require.NoError(t, err)
	assert.Equal(t, 0.25, loaded.Sync.FullRebuildThreshold)
}
