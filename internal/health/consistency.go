package health

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/freshness/internal/store"
)

// InconsistencyType categorizes issues found between fingerprints and knowledge.
type InconsistencyType int

const (
	// InconsistencyOrphanArtifact is current knowledge none of whose sources
	// is tracked any more.
	InconsistencyOrphanArtifact InconsistencyType = iota
	// InconsistencyMissingKnowledge is a hashed fingerprint with no current
	// knowledge derived from it.
	InconsistencyMissingKnowledge
	// InconsistencyFailedPath is a fingerprint flagged by a failed
	// extraction or reconciliation.
	InconsistencyFailedPath
)

// String returns a short name for the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanArtifact:
		return "orphan_artifact"
	case InconsistencyMissingKnowledge:
		return "missing_knowledge"
	case InconsistencyFailedPath:
		return "failed_path"
	default:
		return "unknown"
	}
}

// Inconsistency is one detected issue.
type Inconsistency struct {
	Type       InconsistencyType
	Path       string
	ArtifactID string
	Details    string
}

// CheckResult is the outcome of a consistency check.
type CheckResult struct {
	// Checked counts the fingerprints and artifacts examined.
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// Count returns the number of issues of type t.
func (r *CheckResult) Count(t InconsistencyType) int {
	n := 0
	for _, i := range r.Inconsistencies {
		if i.Type == t {
			n++
		}
	}
	return n
}

// Paths returns the distinct paths of issues of type t, sorted.
func (r *CheckResult) Paths(t InconsistencyType) []string {
	seen := make(map[string]bool)
	var out []string
	for _, i := range r.Inconsistencies {
		if i.Type == t && i.Path != "" && !seen[i.Path] {
			seen[i.Path] = true
			out = append(out, i.Path)
		}
	}
	sort.Strings(out)
	return out
}

// ConsistencyReader is the part of the store the checker reads.
type ConsistencyReader interface {
	ListFingerprints(ctx context.Context) (map[string]store.FileFingerprint, error)
	ListCurrentArtifacts(ctx context.Context) ([]store.Artifact, error)
}

// ConsistencyChecker validates that fingerprints and derived knowledge agree.
type ConsistencyChecker struct {
	store  ConsistencyReader
	logger *slog.Logger
}

// NewConsistencyChecker creates a checker over r.
func NewConsistencyChecker(r ConsistencyReader, logger *slog.Logger) *ConsistencyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyChecker{store: r, logger: logger}
}

// Check compares every fingerprint with the current knowledge.
// This is O(n) in fingerprints plus artifacts.
func (c *ConsistencyChecker) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()

	fps, err := c.store.ListFingerprints(ctx)
	if err != nil {
		return nil, err
	}
	arts, err := c.store.ListCurrentArtifacts(ctx)
	if err != nil {
		return nil, err
	}

	var issues []Inconsistency
	sourced := make(map[string]bool, len(fps))
	for _, a := range arts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tracked := false
		for _, p := range a.SourcePaths {
			sourced[p] = true
			if _, ok := fps[p]; ok {
				tracked = true
			}
		}
		if !tracked && len(a.SourcePaths) > 0 {
			issues = append(issues, Inconsistency{
				Type:       InconsistencyOrphanArtifact,
				Path:       a.SourcePaths[0],
				ArtifactID: a.ID,
				Details:    "current knowledge without a tracked source",
			})
		}
	}

	paths := make([]string, 0, len(fps))
	for p := range fps {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fp := fps[p]
		switch {
		case fp.Flags.Has(store.FlagExtractionFailed) || fp.Flags.Has(store.FlagReconcileFailed):
			issues = append(issues, Inconsistency{
				Type:    InconsistencyFailedPath,
				Path:    p,
				Details: "flagged " + fp.Flags.String(),
			})
		case fp.ContentHash != "" && !fp.Flags.Has(store.FlagChecksumSkipped) && !sourced[p]:
			issues = append(issues, Inconsistency{
				Type:    InconsistencyMissingKnowledge,
				Path:    p,
				Details: "fingerprint without derived knowledge",
			})
		}
	}

	res := &CheckResult{
		Checked:         len(fps) + len(arts),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}
	if len(issues) > 0 {
		c.logger.Warn("consistency_issues",
			slog.Int("checked", res.Checked),
			slog.Int("orphan_artifacts", res.Count(InconsistencyOrphanArtifact)),
			slog.Int("missing_knowledge", res.Count(InconsistencyMissingKnowledge)),
			slog.Int("failed_paths", res.Count(InconsistencyFailedPath)))
	}
	return res, nil
}
