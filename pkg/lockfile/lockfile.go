// Package lockfile provides scoped advisory file locks with bounded
// waits, protecting documents shared by more than one process of this
// application family.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrTimeout is returned when a lock cannot be acquired within its budget.
var ErrTimeout = errors.New("lockfile: acquire timed out")

const retryInterval = 25 * time.Millisecond

// Lock is a held advisory lock. Release it exactly once.
type Lock struct {
	fl       *flock.Flock
	released bool
}

// Acquire takes an exclusive lock on path's sidecar lock file, waiting at
// most timeout. The operation fails rather than hangs.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	return acquire(ctx, path, timeout, false)
}

// AcquireShared takes a shared lock, for readers.
func AcquireShared(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	return acquire(ctx, path, timeout, true)
}

func acquire(ctx context.Context, path string, timeout time.Duration, shared bool) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lockfile: path must not be empty")
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fl := flock.New(lockPath(path))
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = fl.TryRLockContext(lockCtx, retryInterval)
	} else {
		ok, err = fl.TryLockContext(lockCtx, retryInterval)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("lockfile: acquire %s: %w", path, err)
	}
	if !ok {
		return nil, ErrTimeout
	}

	return &Lock{fl: fl}, nil
}

// Release drops the lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	return l.fl.Unlock()
}

func lockPath(path string) string {
	return path + ".lock"
}
