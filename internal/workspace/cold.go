package workspace

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/freshness/internal/config"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/scanner"
	"github.com/Aman-CERP/freshness/internal/store"
)

// ColdStatus derives the status of a workspace no process is watching,
// straight from its fingerprint store. The cursor is only read, so the
// last heartbeat shows how long the workspace has been unwatched. A
// workspace without a store reports as never reconciled.
func ColdStatus(ctx context.Context, root string, cfg *config.Config, now time.Time) (health.Snapshot, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	th := health.ThresholdsFrom(cfg.Health)

	canon, err := scanner.Canonical(root)
	if err != nil {
		return health.Snapshot{}, engerrors.New(engerrors.ErrCodeInvalidPath, "cannot resolve workspace root", err).
			WithDetail("root", root)
	}
	path := filepath.Join(cfg.ResolveDataDir(canon), StoreFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return health.Derive(store.Cursor{}, health.Counters{}, now, th), nil
	}

	st, err := store.Open(path)
	if err != nil {
		return health.Snapshot{}, err
	}
	defer st.Close()

	cur, err := st.GetCursor(ctx)
	if err != nil {
		return health.Snapshot{}, err
	}
	defs, err := st.ActiveDefeaters(ctx, true)
	if err != nil {
		return health.Snapshot{}, err
	}
	return health.Derive(cur, health.Counters{Defeaters: defs}, now, th), nil
}
