package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	lockFileSuffix = ".scan.lock"
)

// ErrScanLocked is returned when another process already holds the scan lock.
var ErrScanLocked = errors.New("another motscan scan is already running against this database")

// ScanLock is a file-based lock that keeps a single scanning process per
// SQLite database, so two processes never split the same API quota.
type ScanLock struct {
	lock *flock.Flock
	path string
}

// NewScanLock creates a new lock for the given database path.
func NewScanLock(dbPath string) (*ScanLock, error) {
	absPath, err := GetAbsDBPath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute db path: %w", err)
	}
	lockPath := absPath + lockFileSuffix
	return &ScanLock{
		lock: flock.New(lockPath),
		path: lockPath,
	}, nil
}

// Lock acquires the scan lock without waiting. It returns ErrScanLocked if
// another process holds it.
func (l *ScanLock) Lock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}
	if !locked {
		return fmt.Errorf("%w (%s)", ErrScanLocked, l.path)
	}
	return nil
}

// Unlock releases the scan lock.
func (l *ScanLock) Unlock() error {
	if err := l.lock.Unlock(); err != nil {
		// Suppress error if the lock file doesn't exist, as it means we don't hold the lock.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file location.
func (l *ScanLock) Path() string { return l.path }

// GetAbsDBPath resolves the database path.
func GetAbsDBPath(dbPath string) (string, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "motscan", "motscan.sqlite"), nil
	}
	return filepath.Abs(dbPath)
}
