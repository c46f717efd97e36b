package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	engerrors "github.com/Aman-CERP/freshness/internal/errors"
)

// LockFileName is the workspace lock inside the data directory.
const LockFileName = "workspace.lock"

// lockPollInterval is how often a contended lock is retried within the timeout.
const lockPollInterval = 20 * time.Millisecond

// WorkspaceLock serializes writers of one workspace across processes with
// an exclusive flock on <dataDir>/workspace.lock.
type WorkspaceLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewWorkspaceLock creates the lock for path. The file is created on first
// acquisition.
func NewWorkspaceLock(path string) *WorkspaceLock {
	return &WorkspaceLock{path: path, flock: flock.New(path)}
}

// Acquire takes the lock, waiting at most timeout. Running out of time
// returns a LockConflict error.
func (l *WorkspaceLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ok, err := l.flock.TryLockContext(lockCtx, lockPollInterval)
	switch {
	case ok:
		l.locked = true
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case err == nil || errors.Is(err, context.DeadlineExceeded):
		return engerrors.LockConflictError(l.path, err)
	default:
		return fmt.Errorf("failed to acquire workspace lock: %w", err)
	}
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *WorkspaceLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release workspace lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *WorkspaceLock) Path() string {
	return l.path
}

// Held reports whether this handle holds the lock.
func (l *WorkspaceLock) Held() bool {
	return l.locked
}
