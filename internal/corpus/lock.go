package corpus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Lock file names inside the data directory.
const (
	// WriterLockFile is held exclusively for a whole writer session.
	WriterLockFile = "writer.lock"

	// CommitLockFile is held exclusively while a store pair is saved and
	// shared while a reader loads one.
	CommitLockFile = "commit.lock"
)

// lockRetryDelay is the polling interval while waiting for a lock.
const lockRetryDelay = 50 * time.Millisecond

// FileLock provides cross-process file locking using gofrs/flock.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewFileLock creates a lock on dir/name. The file is created on first use,
// and Lock and TryLock also create dir.
func NewFileLock(dir, name string) *FileLock {
	lockPath := filepath.Join(dir, name)
	return &FileLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Lock acquires an exclusive lock, waiting until ctx is done.
// Returns false if the lock was not acquired in time.
func (l *FileLock) Lock(ctx context.Context) (bool, error) {
	if err := l.ensureDir(); err != nil {
		return false, err
	}
	acquired, err := l.flock.TryLockContext(ctx, lockRetryDelay)
	if err != nil && ctx.Err() == nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	l.locked = acquired
	return acquired, nil
}

// RLock acquires a shared lock, waiting until ctx is done. Unlike Lock it
// never creates the directory; readers must check it exists first.
func (l *FileLock) RLock(ctx context.Context) (bool, error) {
	acquired, err := l.flock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil && ctx.Err() == nil {
		return false, fmt.Errorf("failed to acquire shared lock: %w", err)
	}
	l.locked = acquired
	return acquired, nil
}

// TryLock attempts to acquire the exclusive lock without blocking.
func (l *FileLock) TryLock() (bool, error) {
	if err := l.ensureDir(); err != nil {
		return false, err
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call on an unlocked FileLock.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the path to the lock file.
func (l *FileLock) Path() string {
	return l.path
}

// IsLocked returns true if the lock is currently held.
func (l *FileLock) IsLocked() bool {
	return l.locked
}

func (l *FileLock) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	return nil
}
