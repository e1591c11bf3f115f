package index

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the cross-process sync lock inside the data directory.
const LockFileName = "sync.lock"

// SyncLock keeps two kbsync processes from mutating the same index.
type SyncLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewSyncLock returns the lock of dataDir.
func NewSyncLock(dataDir string) *SyncLock {
	path := filepath.Join(dataDir, LockFileName)
	return &SyncLock{path: path, flock: flock.New(path)}
}

// TryLock acquires the lock without blocking. It returns false when another
// process holds it.
func (l *SyncLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	l.locked = ok
	return ok, nil
}

// Unlock releases the lock. Calling it on an unheld lock is a no-op.
func (l *SyncLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *SyncLock) Path() string {
	return l.path
}
