package workspace

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	engerrors "github.com/Aman-CERP/freshness/internal/errors"
)

// OwnerLockFileName marks the single coordinator of a data directory.
const OwnerLockFileName = "owner.lock"

// acquireOwner takes the owner lock without waiting. The lock is held for
// the coordinator's lifetime, so a second coordinator on the same data
// directory fails whether it lives in this process or another.
func acquireOwner(root, dataDir string) (*flock.Flock, error) {
	path := filepath.Join(dataDir, OwnerLockFileName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire owner lock: %w", err)
	}
	if !ok {
		return nil, engerrors.WorkspaceOwnedError(root, path)
	}
	return lock, nil
}
