// Package filelock provides advisory locking on the mbox path, guarding
// against concurrent writers before any destructive action (spec.md §5).
package filelock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// Lock wraps an advisory file lock on a path. It is not the mbox file
// itself (which a writer may need to truncate/resize); locking uses a
// sibling ".lock" file so the mbox can be freely rewritten while held.
type Lock struct {
	fl      *flock.Flock
	write   bool
	timeout time.Duration
}

// New returns a Lock for the given mbox path, using "<path>.lock" as the
// advisory lock file.
func New(mboxPath string, timeout time.Duration) *Lock {
	return &Lock{
		fl:      flock.New(mboxPath + ".lock"),
		timeout: timeout,
	}
}

// AcquireRead takes a shared (read) lock, appropriate for read-only syncs
// or when lock-reading is requested (spec.md §4.1 step 2).
func (l *Lock) AcquireRead(ctx context.Context) error {
	return l.acquire(ctx, false)
}

// AcquireWrite takes an exclusive (write) lock, required before any
// structural rewrite of the mbox.
func (l *Lock) AcquireWrite(ctx context.Context) error {
	return l.acquire(ctx, true)
}

func (l *Lock) acquire(ctx context.Context, write bool) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	var ok bool
	var err error
	if write {
		ok, err = l.fl.TryLockContext(ctx, 50*time.Millisecond)
	} else {
		ok, err = l.fl.TryRLockContext(ctx, 50*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("acquire lock: timed out")
	}
	l.write = write
	return nil
}

// DowngradeToRead releases a write lock and reacquires a read lock, used by
// the driver after finishing destructive work (spec.md §4.1 step 6).
func (l *Lock) DowngradeToRead(ctx context.Context) error {
	if !l.write {
		return nil
	}
	if err := l.Release(); err != nil {
		return err
	}
	return l.AcquireRead(ctx)
}

// Release drops the lock. Safe to call multiple times.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
