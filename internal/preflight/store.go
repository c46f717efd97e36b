package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/store"
)

// CheckStore verifies the fingerprint store without repairing it, then
// checks that fingerprints and current knowledge agree.
func (c *Checker) CheckStore(ctx context.Context) []CheckResult {
	integrity := CheckResult{Name: "store_integrity", Required: false}
	path := filepath.Join(c.cfg.ResolveDataDir(c.root), store.DBFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		integrity.Status = StatusPass
		integrity.Message = "no store yet, first reconcile creates it"
		return []CheckResult{integrity}
	}
	if err := store.Verify(path); err != nil {
		integrity.Status = StatusWarn
		integrity.Message = err.Error()
		integrity.Details = "The store is rebuilt on next start and a full sweep runs"
		return []CheckResult{integrity}
	}
	integrity.Status = StatusPass
	integrity.Message = "OK"

	return []CheckResult{integrity, c.checkConsistency(ctx, path)}
}

func (c *Checker) checkConsistency(ctx context.Context, path string) CheckResult {
	result := CheckResult{Name: "store_consistency", Required: false}

	st, err := store.Open(path)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("failed to open store: %v", err)
		return result
	}
	defer st.Close()

	res, err := health.NewConsistencyChecker(st, c.logger).Check(ctx)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("consistency check failed: %v", err)
		return result
	}

	if len(res.Inconsistencies) == 0 {
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%d entries consistent", res.Checked)
		return result
	}
	result.Status = StatusWarn
	result.Message = fmt.Sprintf("%d orphan artifacts, %d files without knowledge, %d failed paths",
		res.Count(health.InconsistencyOrphanArtifact),
		res.Count(health.InconsistencyMissingKnowledge),
		res.Count(health.InconsistencyFailedPath))
	result.Details = "Run 'freshness reconcile' to repair"
	return result
}
