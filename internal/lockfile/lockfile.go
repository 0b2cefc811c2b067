// Package lockfile implements cross-process advisory file locks.
//
// A ScopedLock serializes conflicting mutation of one resource (one record
// file) across goroutines AND across processes sharing the same data
// directory. Unix uses flock(2); Windows uses LockFileEx. Both are advisory:
// every writer must go through Acquire for the exclusion to hold.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired within the
// caller's deadline.
var ErrTimeout = errors.New("lockfile: acquisition timed out")

// ScopedLock is an exclusive advisory lock held on a lock file.
// Release must be called on every exit path; defer it right after Acquire.
type ScopedLock struct {
	f        *os.File
	path     string
	released bool
}

const (
	initialBackoff = 1 * time.Millisecond
	maxBackoff     = 25 * time.Millisecond
)

// Acquire obtains an exclusive lock on path, creating the lock file if
// needed. It polls non-blockingly with backoff until timeout elapses
// (ErrTimeout) or ctx is cancelled. timeout <= 0 means a single attempt.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*ScopedLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff

	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lockfile: lock %s: %w", path, err)
		}
		if ok {
			return &ScopedLock{f: f, path: path}, nil
		}

		if timeout <= 0 || !time.Now().Add(backoff).Before(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Release drops the lock and closes the lock file. It is idempotent.
func (l *ScopedLock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true

	unlockErr := unlock(l.f)
	closeErr := l.f.Close()
	if unlockErr != nil {
		return fmt.Errorf("lockfile: unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// Path returns the lock file path.
func (l *ScopedLock) Path() string { return l.path }
