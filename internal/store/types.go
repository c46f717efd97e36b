// Package store is the durable state of the freshness engine: per-path
// fingerprints, the workspace cursor and heartbeat, derived knowledge
// artifacts, and the append-only defeater log. Everything lives in one SQLite
// database so a sub-batch commit is a single transaction.
package store

import (
	"sort"
	"strings"
	"time"
)

// Flags marks per-path conditions on a fingerprint.
type Flags uint32

const (
	// FlagChecksumSkipped means the file was too large or not decodable and is
	// fingerprinted by size and mtime only.
	FlagChecksumSkipped Flags = 1 << iota
	// FlagExtractionFailed means the parser could not derive entities.
	FlagExtractionFailed
	// FlagReconcileFailed means lock retries were exhausted for this path.
	FlagReconcileFailed
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagChecksumSkipped, "checksum_skipped"},
	{FlagExtractionFailed, "extraction_failed"},
	{FlagReconcileFailed, "reconcile_failed"},
}

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// String returns a comma-separated list of flag names.
func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}

// FileFingerprint is the last-known state of one tracked path.
type FileFingerprint struct {
	// Path is canonical: absolute and symlink-resolved.
	Path    string
	Size    int64
	ModTime time.Time
	// ContentHash is empty until a slow-path check computed it.
	ContentHash     string
	LastConfirmedAt time.Time
	Flags           Flags
	// ForceHashSweeps counts the remaining sweeps that must hash this path
	// regardless of size/mtime (set when clock skew was observed).
	ForceHashSweeps int
}

// Authoritative reports whether the fingerprint proves the content, as
// opposed to the size/mtime hint.
func (f FileFingerprint) Authoritative() bool {
	return f.ContentHash != "" && !f.LastConfirmedAt.Before(f.ModTime)
}

// CursorKind identifies what the cursor value refers to.
type CursorKind string

const (
	CursorGit   CursorKind = "git"
	CursorSweep CursorKind = "sweep"
)

// Cursor is the durable marker of what has been fully reconciled.
type Cursor struct {
	Kind CursorKind
	// Value is a commit SHA (git) or RFC3339Nano sweep timestamp (sweep).
	Value      string
	ConfigHash string

	LastHeartbeatAt   time.Time
	LastEventAt       time.Time
	LastReconcileOkAt time.Time
	LastSweepAt       time.Time
	HeartbeatCount    int64

	// Degraded is set when the git fast path failed and detection fell back to sweeps.
	Degraded bool
	// SweepPending is set when a sweep was requested or forced and has not completed.
	SweepPending bool
	// SweepReason is the cause recorded with SweepPending.
	SweepReason string

	// Sequence increases by one on every committed sub-batch.
	Sequence  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Exists reports whether the cursor was bootstrapped.
func (c Cursor) Exists() bool { return !c.CreatedAt.IsZero() }

// ArtifactKind classifies knowledge artifacts.
type ArtifactKind string

const (
	ArtifactEntity      ArtifactKind = "entity"
	ArtifactRelation    ArtifactKind = "relation"
	ArtifactClaim       ArtifactKind = "claim"
	ArtifactPlaceholder ArtifactKind = "placeholder"
)

// Key prefixes shared by derivers and the dependency graph.
const (
	FileKeyPrefix   = "file:"
	ModuleKeyPrefix = "module:"
	SymbolKeyPrefix = "sym:"
)

// FileKey is the key of the entity that stands for a whole source file.
func FileKey(path string) string { return FileKeyPrefix + path }

// SymbolKey is the key of a declaration within a source file.
func SymbolKey(path, qualified string) string { return SymbolKeyPrefix + path + "#" + qualified }

// ImportKey is the key of an import relation from path to target.
func ImportKey(path, target string) string { return "imports:" + path + "->" + target }

// Provenance records who produced or last adjusted an artifact.
type Provenance struct {
	ProviderID string
	ModelID    string
	CallDigest string
}

// Artifact is a piece of derived knowledge the engine can invalidate.
type Artifact struct {
	ID   string
	Kind ArtifactKind
	// Key is the stable identity used by the knowledge graph (e.g. "go:pkg.Func").
	// Replacements of the same knowledge share a key across versions.
	Key string
	// Target is the key a relation points at; empty for other kinds.
	Target string
	// Confidence is the value as of LastVerifiedAt. Baseline decay is applied
	// on read (see confidence.Effective); step decays multiply it directly.
	Confidence float64
	ValidFrom  time.Time
	// ValidTo is nil while the artifact is current.
	ValidTo        *time.Time
	SourcePaths    []string
	LastVerifiedAt time.Time
	// ContentHash is the source content hash the artifact was derived from.
	ContentHash  string
	Supersedes   string
	SupersededBy string
	ModelVersion string
	Provenance   Provenance
}

// Current reports whether the artifact is still valid.
func (a Artifact) Current() bool { return a.ValidTo == nil }

// DefeaterType names a reason knowledge should not be trusted as-is.
type DefeaterType string

const (
	DefeaterLowConfidence     DefeaterType = "low_confidence"
	DefeaterStaleKnowledge    DefeaterType = "stale_knowledge"
	DefeaterContradiction     DefeaterType = "contradiction"
	DefeaterSourceUnavailable DefeaterType = "source_unavailable"
	DefeaterCalibrationDrift  DefeaterType = "calibration_drift"
)

// Severity orders defeater types for status reporting; higher is worse.
func (t DefeaterType) Severity() int {
	switch t {
	case DefeaterLowConfidence, DefeaterCalibrationDrift:
		return 1
	case DefeaterStaleKnowledge:
		return 2
	case DefeaterContradiction:
		return 3
	case DefeaterSourceUnavailable:
		return 4
	default:
		return 0
	}
}

// DefeaterAction is what consumers must do with a defeated artifact.
type DefeaterAction string

const (
	ActionFlag                DefeaterAction = "flag"
	ActionInvalidate          DefeaterAction = "invalidate"
	ActionRequireVerification DefeaterAction = "require_verification"
)

// EventKind distinguishes activation and resolution records in the log.
type EventKind string

const (
	EventActivated EventKind = "activated"
	EventResolved  EventKind = "resolved"
)

// DefeaterEvent is one append-only record in the defeater log.
type DefeaterEvent struct {
	Seq        int64
	DefeaterID string
	Kind       EventKind
	Type       DefeaterType
	TargetID   string
	Action     DefeaterAction
	At         time.Time
	Reason     string
	// Method is the resolution method for EventResolved records.
	Method string
}

// Defeater is the folded view of a defeater's activation and resolution.
type Defeater struct {
	ID               string
	Type             DefeaterType
	TargetArtifactID string
	Action           DefeaterAction
	ActivatedAt      time.Time
	Reason           string
	ResolvedAt       *time.Time
	ResolutionMethod string
	ResolutionReason string
}

// Active reports whether the defeater is unresolved.
func (d Defeater) Active() bool { return d.ResolvedAt == nil }

// CursorAdvance describes how a committed sub-batch moves the cursor.
type CursorAdvance struct {
	Kind         CursorKind
	Value        string
	ConfigHash   string
	ReconciledAt time.Time
	// SweepCompleted clears SweepPending and records LastSweepAt.
	SweepCompleted bool
	// Degraded, when non-nil, replaces the degraded marker.
	Degraded *bool
}

// Batch is everything one sub-batch writes. CommitBatch applies it in a
// single transaction; the cursor only moves when Advance is non-nil and the
// whole transaction commits.
type Batch struct {
	Upserts        []FileFingerprint
	Deletes        []string
	Artifacts      []Artifact
	DefeaterEvents []DefeaterEvent
	// State entries are written alongside the cursor.
	State   map[string]string
	Advance *CursorAdvance
}

// Empty reports whether the batch would write nothing.
func (b Batch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.Deletes) == 0 && len(b.Artifacts) == 0 &&
		len(b.DefeaterEvents) == 0 && len(b.State) == 0 && b.Advance == nil
}

// FoldDefeaters folds log events (in Seq order) into defeater views.
func FoldDefeaters(events []DefeaterEvent) []Defeater {
	byID := make(map[string]*Defeater)
	var order []string
	for _, ev := range events {
		switch ev.Kind {
		case EventActivated:
			if _, ok := byID[ev.DefeaterID]; ok {
				continue
			}
			byID[ev.DefeaterID] = &Defeater{
				ID:               ev.DefeaterID,
				Type:             ev.Type,
				TargetArtifactID: ev.TargetID,
				Action:           ev.Action,
				ActivatedAt:      ev.At,
				Reason:           ev.Reason,
			}
			order = append(order, ev.DefeaterID)
		case EventResolved:
			d, ok := byID[ev.DefeaterID]
			if !ok || d.ResolvedAt != nil {
				continue
			}
			at := ev.At
			d.ResolvedAt = &at
			d.ResolutionMethod = ev.Method
			d.ResolutionReason = ev.Reason
		}
	}

	out := make([]Defeater, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out
}
