package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/index"
	"github.com/drukkhua/druk-helper-sub000/internal/source"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the status by name.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *CheckStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "PASS":
		*s = StatusPass
	case "WARN":
		*s = StatusWarn
	case "FAIL":
		*s = StatusFail
	default:
		return fmt.Errorf("unknown check status %q", name)
	}
	return nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker performs preflight validation checks.
type Checker struct {
	source  source.Provider
	minDisk uint64
}

// Option configures a Checker.
type Option func(*Checker)

// WithSource adds the source export check.
func WithSource(p source.Provider) Option {
	return func(c *Checker) {
		c.source = p
	}
}

// WithMinDiskSpace overrides MinDiskSpaceBytes.
func WithMinDiskSpace(bytes uint64) Option {
	return func(c *Checker) {
		c.minDisk = bytes
	}
}

// New creates a new Checker with the given options.
func New(opts ...Option) *Checker {
	c := &Checker{minDisk: MinDiskSpaceBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs all preflight checks against dataDir and returns the results.
func (c *Checker) RunAll(ctx context.Context, dataDir string) []CheckResult {
	var results []CheckResult

	if c.source != nil {
		results = append(results, c.CheckSource(ctx))
	}

	// The directory may not exist before the first sync.
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		results = append(results, CheckResult{
			Name:     "data_dir",
			Status:   StatusFail,
			Message:  fmt.Sprintf("cannot create %s: %v", dataDir, err),
			Required: true,
		})
		return results
	}

	results = append(results, c.CheckWritePermissions(dataDir))
	results = append(results, c.CheckDiskSpace(dataDir))
	results = append(results, c.CheckSyncLock(dataDir))
	results = append(results, c.CheckCache(dataDir))
	results = append(results, c.CheckFileDescriptors())

	return results
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	hasCriticalFailure := false

	for _, r := range results {
		if r.IsCritical() {
			hasCriticalFailure = true
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			hasWarnings = true
		}
	}

	if hasCriticalFailure {
		return "failed"
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// CheckSource fetches the source snapshot once.
func (c *Checker) CheckSource(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "source",
		Required: true,
	}

	rows, err := c.source.Fetch(ctx)
	if err != nil {
		result.Status = StatusFail
		result.Message = "cannot read the source export"
		result.Details = kberrors.FormatForCLI(err)
		return result
	}
	if len(rows) == 0 {
		result.Status = StatusWarn
		result.Message = "source export has no rows; a sync would empty the index"
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%d rows", len(rows))
	return result
}

// CheckWritePermissions checks if we can write to the data directory.
func (c *Checker) CheckWritePermissions(path string) CheckResult {
	result := CheckResult{
		Name:     "write_permissions",
		Required: true,
	}

	testFile := filepath.Join(path, ".kbsync-preflight-test")
	f, err := os.Create(testFile)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(testFile)

	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// CheckSyncLock reports whether another process is syncing.
func (c *Checker) CheckSyncLock(dataDir string) CheckResult {
	result := CheckResult{
		Name: "sync_lock",
	}

	lock := index.NewSyncLock(dataDir)
	ok, err := lock.TryLock()
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	if !ok {
		result.Status = StatusWarn
		result.Message = "another sync is running"
		result.Details = lock.Path()
		return result
	}
	_ = lock.Unlock()

	result.Status = StatusPass
	result.Message = "free"
	return result
}

// CheckCache checks that the fingerprint cache can be read. A corrupt cache
// only costs a full re-import, so it is a warning.
func (c *Checker) CheckCache(dataDir string) CheckResult {
	result := CheckResult{
		Name: "fingerprint_cache",
	}

	cache, err := index.NewCacheFile(dataDir).Load()
	switch {
	case errors.Is(err, kberrors.ErrCacheCorrupt):
		result.Status = StatusWarn
		result.Message = "corrupt; the next sync treats every record as new"
		result.Details = err.Error()
	case err != nil:
		result.Status = StatusFail
		result.Message = err.Error()
	case len(cache.Entries) == 0:
		result.Status = StatusPass
		result.Message = "empty (never synced)"
	default:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%d records, updated %s", len(cache.Entries), cache.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return result
}
