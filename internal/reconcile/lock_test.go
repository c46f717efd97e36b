package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/Aman-CERP/freshness/internal/errors"
)

func TestWorkspaceLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", LockFileName)
	l := NewWorkspaceLock(path)

	require.NoError(t, l.Acquire(context.Background(), time.Second))
	assert.True(t, l.Held())
	assert.FileExists(t, path)

	require.NoError(t, l.Release())
	assert.False(t, l.Held())
	// Second release is a no-op.
	require.NoError(t, l.Release())
}

func TestWorkspaceLock_ContentionTimesOutWithLockConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	holder := NewWorkspaceLock(path)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))
	defer func() { _ = holder.Release() }()

	start := time.Now()
	err := NewWorkspaceLock(path).Acquire(context.Background(), 50*time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeLockConflict, engerrors.GetCode(err))
	assert.True(t, engerrors.IsRetryable(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWorkspaceLock_AcquiresAfterHolderReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	holder := NewWorkspaceLock(path)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Release()
	}()

	waiter := NewWorkspaceLock(path)
	require.NoError(t, waiter.Acquire(context.Background(), 2*time.Second))
	assert.True(t, waiter.Held())
	require.NoError(t, waiter.Release())
}

func TestWorkspaceLock_CancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	holder := NewWorkspaceLock(path)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))
	defer func() { _ = holder.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewWorkspaceLock(path).Acquire(ctx, time.Second)

	assert.ErrorIs(t, err, context.Canceled)
}
