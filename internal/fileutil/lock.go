package fileutil

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"github.com/courseman/courseman/internal/errors"
)

// FileLock is an advisory exclusive lock guarding one of a course's
// source directories. The lock file lives beside the locked path so the
// path itself can be renamed while the lock is held.
type FileLock struct {
	lock *flock.Flock
}

// NewFileLock creates a lock for path. The lock is not acquired.
func NewFileLock(path string) *FileLock {
	return &FileLock{lock: flock.New(path + ".lock")}
}

// Acquire blocks until the lock is acquired or timeout elapses. A
// timeout of zero blocks indefinitely. On timeout the returned error is
// errors.ErrLockTimeout, distinguished from other IO errors so read
// paths can fall back to another source.
func (l *FileLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ok, err := l.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return errors.ErrLockTimeout
		}
		return err
	}
	if !ok {
		return errors.ErrLockTimeout
	}

	return nil
}

// TryAcquire attempts the lock without blocking. Failure to acquire
// means a write is in progress; advisory readers should try an older
// source instead.
func (l *FileLock) TryAcquire() error {
	ok, err := l.lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrLockTimeout
	}

	return nil
}

// Release releases the lock.
func (l *FileLock) Release() error {
	return l.lock.Unlock()
}
