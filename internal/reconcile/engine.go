// Package reconcile applies ChangeSets to the derived model.
//
// A ChangeSet is cut into sub-batches. Each sub-batch runs under the
// workspace lock: deletes, then adds and modifies (re-derived through the
// Parser), then cascade invalidation, then one store commit that also
// advances the cursor. A failed or interrupted sub-batch leaves the cursor
// where it was; re-applying a change whose content hash already matches the
// stored fingerprint is a no-op.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aman-CERP/freshness/internal/cascade"
	"github.com/Aman-CERP/freshness/internal/changeset"
	"github.com/Aman-CERP/freshness/internal/confidence"
	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/detect"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/scanner"
	"github.com/Aman-CERP/freshness/internal/store"
	"github.com/Aman-CERP/freshness/internal/telemetry"
)

// SweepReasonFailed is recorded on the cursor when a sub-batch could not be
// committed.
const SweepReasonFailed = "reconcile_failed"

// Parser derives knowledge artifacts from one file's content.
type Parser interface {
	Derive(ctx context.Context, path string, content []byte) ([]store.Artifact, error)
	// Version identifies the parser build; it is stamped on artifacts.
	Version() string
}

// Request asks for an artifact to be re-derived.
type Request struct {
	ArtifactID string
	Path       string
	Reason     string
}

// Scheduler receives re-derivation requests for placeholders and
// superseded knowledge. Schedule must not block.
type Scheduler interface {
	Schedule(req Request)
}

// Store is the durable state the engine reads and commits to.
type Store interface {
	GetCursor(ctx context.Context) (store.Cursor, error)
	BootstrapCursor(ctx context.Context, configHash string, now time.Time) (store.Cursor, bool, error)
	GetFingerprint(ctx context.Context, path string) (store.FileFingerprint, bool, error)
	ArtifactsBySourcePath(ctx context.Context, path string) ([]store.Artifact, error)
	RelationsTargeting(ctx context.Context, keys []string) ([]store.Artifact, error)
	ActiveDefeatersFor(ctx context.Context, targetID string) ([]store.Defeater, error)
	CommitBatch(ctx context.Context, b store.Batch) (store.Cursor, error)
	MarkSweepPending(ctx context.Context, reason string) error
}

// Detector diffs an enumeration against the fingerprint store.
type Detector interface {
	Diff(ctx context.Context, cursor store.Cursor, scan map[string]scanner.Entry, scope ...string) (changeset.ChangeSet, detect.DiffReport, error)
}

// Enumerator lists the tracked files of the workspace.
type Enumerator interface {
	Scan(ctx context.Context) (map[string]scanner.Entry, error)
	ScanScope(ctx context.Context, scope []string) (map[string]scanner.Entry, error)
}

// Options configures an Engine.
type Options struct {
	Store    Store
	Parser   Parser
	Detector Detector
	Scanner  Enumerator
	// Confidence defaults to an engine over the default configuration.
	Confidence *confidence.Engine
	// Cascade defaults to an invalidator over Store bounded by CascadeConfig.
	Cascade       *cascade.Invalidator
	CascadeConfig config.CascadeConfig
	// Breaker guards Parser; provider outages trip it, rejected files do not.
	Breaker   *engerrors.CircuitBreaker
	Scheduler Scheduler
	LockPath  string
	Config    config.ReconcileConfig
	// ConfigHash returns the current include/exclude digest.
	ConfigHash   func() string
	MaxHashBytes int64
	NewID        func() string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Result reports what one Apply, Sweep or Reverify did.
type Result struct {
	Applied    int
	Skipped    int
	Failed     int
	SubBatches int
	// Invalidated holds artifact ids retired by cascade invalidation.
	Invalidated []string
	FailedPaths []string
	// Requeued paths were present but unreadable; apply them again later.
	Requeued  []string
	Truncated bool
	// CursorAdvanced is set when at least one sub-batch committed.
	CursorAdvanced bool
	Cursor         store.Cursor
	// Mode and Degraded describe the detector run of a sweep.
	Mode     detect.Mode
	Degraded bool
}

func (r *Result) merge(sr subResult) {
	r.SubBatches++
	r.Applied += sr.applied
	r.Skipped += sr.skipped
	r.Failed += len(sr.failed)
	r.FailedPaths = append(r.FailedPaths, sr.failed...)
	r.Requeued = append(r.Requeued, sr.requeued...)
	r.Invalidated = append(r.Invalidated, sr.invalidated...)
	r.Truncated = r.Truncated || sr.truncated
}

// Engine is the reconciliation engine of one workspace.
type Engine struct {
	store      Store
	parser     Parser
	detector   Detector
	scanner    Enumerator
	confidence *confidence.Engine
	cascade    *cascade.Invalidator
	breaker    *engerrors.CircuitBreaker
	scheduler  Scheduler
	lockPath   string
	cfg        config.ReconcileConfig
	configHash func() string
	maxHash    int64
	newID      func() string
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("reconcile engine requires a store")
	}
	if opts.Parser == nil {
		return nil, fmt.Errorf("reconcile engine requires a parser")
	}
	if opts.LockPath == "" {
		return nil, fmt.Errorf("reconcile engine requires a lock path")
	}
	e := &Engine{
		store:      opts.Store,
		parser:     opts.Parser,
		detector:   opts.Detector,
		scanner:    opts.Scanner,
		confidence: opts.Confidence,
		cascade:    opts.Cascade,
		breaker:    opts.Breaker,
		scheduler:  opts.Scheduler,
		lockPath:   opts.LockPath,
		cfg:        opts.Config,
		configHash: opts.ConfigHash,
		maxHash:    opts.MaxHashBytes,
		newID:      opts.NewID,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.confidence == nil {
		e.confidence = confidence.NewEngine(config.NewConfig().Confidence)
	}
	if e.cascade == nil {
		e.cascade = cascade.New(cascade.NewStoreGraph(opts.Store), cascade.Options{
			MaxHops:      opts.CascadeConfig.MaxHops,
			MaxArtifacts: opts.CascadeConfig.MaxArtifacts,
			Engine:       e.confidence,
			NewID:        e.newID,
			Logger:       e.logger,
		})
	}
	if e.breaker == nil {
		e.breaker = engerrors.NewCircuitBreaker("parser", engerrors.WithClock(e.now))
	}
	if e.configHash == nil {
		e.configHash = func() string { return "" }
	}
	if e.cfg.SubBatchSize <= 0 {
		e.cfg.SubBatchSize = config.NewConfig().Reconcile.SubBatchSize
	}
	return e, nil
}

// Apply reconciles cs. It returns a ConfigDrift error without touching the
// store when the include/exclude rules changed since the cursor was written;
// the caller must run a full Sweep instead. Per-path and per-sub-batch
// failures are reported in the Result, not as an error.
func (e *Engine) Apply(ctx context.Context, cs changeset.ChangeSet) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.apply",
		attribute.Int("entries", cs.Len()),
		attribute.String("source", string(cs.Source)))
	res, err := e.apply(ctx, cs, nil)
	telemetry.EndSpan(span, err)
	return res, err
}

// finish describes how the last sub-batch of a sweep moves the cursor.
type finish struct {
	advance store.CursorAdvance
	state   map[string]string
	// confirmed fingerprints are refreshed alongside the final commit.
	confirmed []store.FileFingerprint
	// observed carries the detector's view of changed paths.
	observed map[string]store.FileFingerprint
}

func (e *Engine) apply(ctx context.Context, cs changeset.ChangeSet, fin *finish) (Result, error) {
	var res Result
	cursor, err := e.store.GetCursor(ctx)
	if err != nil {
		return res, err
	}
	current := e.configHash()
	if fin == nil && (!cursor.Exists() || cursor.ConfigHash != current) {
		return res, engerrors.ConfigDriftError(cursor.ConfigHash, current)
	}

	var observed map[string]store.FileFingerprint
	if fin != nil {
		observed = fin.observed
	}

	parts := cs.Split(e.cfg.SubBatchSize)
	failed := false
	for i, part := range parts {
		var last *finish
		if i == len(parts)-1 && fin != nil && !failed {
			last = fin
		}
		plan := subBatch{changes: part, finish: last, observed: observed}

		start := time.Now()
		sr, err := e.runWithRetry(ctx, plan)
		telemetry.RecordSubBatch(time.Since(start), err == nil)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			failed = true
			res.SubBatches++
			res.Failed += part.Len()
			res.FailedPaths = append(res.FailedPaths, part.Paths()...)
			e.failSubBatch(ctx, part, err)
			continue
		}
		res.merge(sr)
		res.Cursor = sr.cursor
		res.CursorAdvanced = res.CursorAdvanced || sr.advanced
	}

	telemetry.RecordEntries("applied", res.Applied)
	telemetry.RecordEntries("skipped", res.Skipped)
	telemetry.RecordEntries("failed", res.Failed)
	telemetry.RecordEntries("requeued", len(res.Requeued))
	e.logger.Info("reconcile_applied",
		slog.String("source", string(cs.Source)),
		slog.Int("entries", cs.Len()),
		slog.Int("sub_batches", res.SubBatches),
		slog.Int("applied", res.Applied),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Int("invalidated", len(res.Invalidated)),
		slog.Bool("truncated", res.Truncated))
	return res, nil
}

// runWithRetry applies one sub-batch, retrying lock conflicts with
// exponential backoff.
func (e *Engine) runWithRetry(ctx context.Context, plan subBatch) (subResult, error) {
	retry := engerrors.RetryConfig{
		MaxRetries:   e.cfg.MaxRetries,
		InitialDelay: e.cfg.InitialBackoff.Std(),
		MaxDelay:     e.cfg.MaxBackoff.Std(),
		Multiplier:   2,
		Jitter:       true,
		RetryIf:      isLockConflict,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			telemetry.RecordLockRetry()
			e.logger.Warn("workspace_lock_retry",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Int("entries", plan.changes.Len()))
		},
	}
	return engerrors.RetryWithResult(ctx, retry, func() (subResult, error) {
		return e.locked(ctx, plan)
	})
}

func isLockConflict(err error) bool {
	return engerrors.GetCode(err) == engerrors.ErrCodeLockConflict
}

func (e *Engine) locked(ctx context.Context, plan subBatch) (subResult, error) {
	lock := NewWorkspaceLock(e.lockPath)
	if err := lock.Acquire(ctx, e.cfg.LockTimeout.Std()); err != nil {
		return subResult{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			e.logger.Warn("workspace_lock_release_failed", slog.String("error", err.Error()))
		}
	}()
	return e.applySubBatch(ctx, plan)
}

// failSubBatch records a sub-batch that could not be committed. Lock
// exhaustion flags the paths reconcile_failed and raises stale_knowledge on
// their knowledge; every failure requests a sweep.
func (e *Engine) failSubBatch(ctx context.Context, part changeset.ChangeSet, cause error) {
	attrs := append([]any{slog.Int("entries", part.Len())}, engerrors.LogAttrs(cause)...)
	e.logger.Error("sub_batch_failed", attrs...)

	if isLockConflict(cause) {
		if err := e.markReconcileFailed(ctx, part, cause); err != nil {
			e.logger.Error("mark_reconcile_failed", slog.String("error", err.Error()))
		}
	}
	if err := e.store.MarkSweepPending(ctx, SweepReasonFailed); err != nil {
		e.logger.Error("mark_sweep_pending_failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) markReconcileFailed(ctx context.Context, part changeset.ChangeSet, cause error) error {
	now := e.now()
	var b store.Batch
	reason := "reconcile failed: " + engerrors.GetCode(cause)
	for _, c := range part.Entries {
		fp, known, err := e.store.GetFingerprint(ctx, c.Path)
		if err != nil {
			return err
		}
		if !known {
			fp = store.FileFingerprint{Path: c.Path}
		}
		fp.Flags |= store.FlagReconcileFailed
		b.Upserts = append(b.Upserts, fp)

		arts, err := e.store.ArtifactsBySourcePath(ctx, c.Path)
		if err != nil {
			return err
		}
		for _, a := range arts {
			ev, err := e.raise(ctx, a.ID, store.DefeaterStaleKnowledge, store.ActionFlag, reason, now)
			if err != nil {
				return err
			}
			if ev != nil {
				b.DefeaterEvents = append(b.DefeaterEvents, *ev)
			}
		}
	}
	_, err := e.store.CommitBatch(ctx, b)
	return err
}

// raise builds an activation unless a defeater of the same type is already
// active on target.
func (e *Engine) raise(ctx context.Context, target string, t store.DefeaterType, action store.DefeaterAction, reason string, now time.Time) (*store.DefeaterEvent, error) {
	active, err := e.store.ActiveDefeatersFor(ctx, target)
	if err != nil {
		return nil, err
	}
	for _, d := range active {
		if d.Type == t {
			return nil, nil
		}
	}
	ev := e.confidence.Activate(target, t, reason, now)
	ev.Action = action
	return &ev, nil
}

// Sweep runs the change detector over the workspace (or scope, a list of
// canonical paths) and applies the result. A full sweep that reconciles
// every path moves the cursor to HEAD (or to the sweep time outside git),
// stores the current config hash and clears SweepPending. Scoped sweeps
// keep the cursor position. Config drift widens any sweep to the whole
// workspace.
func (e *Engine) Sweep(ctx context.Context, scope ...string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.sweep", attribute.Int("scope", len(scope)))
	res, err := e.sweep(ctx, scope)
	telemetry.EndSpan(span, err)
	return res, err
}

func (e *Engine) sweep(ctx context.Context, scope []string) (Result, error) {
	if e.detector == nil || e.scanner == nil {
		return Result{}, fmt.Errorf("sweep requires a detector and a scanner")
	}
	now := e.now()
	current := e.configHash()
	cursor, created, err := e.store.BootstrapCursor(ctx, current, now)
	if err != nil {
		return Result{}, err
	}
	if created {
		e.logger.Info("cursor_bootstrapped", slog.String("config_hash", current))
	}
	if len(scope) > 0 && cursor.ConfigHash != current {
		e.logger.Info("sweep_widened_for_config_drift", slog.Int("scope", len(scope)))
		scope = nil
	}

	var scan map[string]scanner.Entry
	if len(scope) > 0 {
		scan, err = e.scanner.ScanScope(ctx, scope)
	} else {
		scan, err = e.scanner.Scan(ctx)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to enumerate workspace: %w", err)
	}

	cs, report, err := e.detector.Diff(ctx, cursor, scan, scope...)
	if err != nil {
		return Result{}, err
	}
	telemetry.RecordSweep(string(report.Mode), report.Degraded)

	fin := &finish{
		advance: store.CursorAdvance{
			Kind:         cursor.Kind,
			Value:        cursor.Value,
			ConfigHash:   cursor.ConfigHash,
			ReconciledAt: now,
		},
		confirmed: report.Confirmed,
		observed:  report.Fingerprints,
	}
	if len(scope) == 0 && len(report.Requeued) == 0 {
		fin.advance.ConfigHash = current
		fin.advance.SweepCompleted = true
		degraded := report.Degraded
		fin.advance.Degraded = &degraded
		if report.HeadCommit != "" {
			fin.advance.Kind = store.CursorGit
			fin.advance.Value = report.HeadCommit
			fin.state = map[string]string{detect.DirtyStateKey: detect.EncodeDirty(report.Dirty)}
		} else {
			fin.advance.Kind = store.CursorSweep
			fin.advance.Value = now.UTC().Format(time.RFC3339Nano)
		}
	}

	res, err := e.apply(ctx, cs, fin)
	res.Requeued = append(res.Requeued, report.Requeued...)
	res.Mode = report.Mode
	res.Degraded = report.Degraded
	if err == nil && len(report.Requeued) > 0 {
		e.logger.Warn("sweep_incomplete",
			slog.Int("requeued", len(report.Requeued)),
			slog.String("first", report.Requeued[0]))
	}
	return res, err
}

// Reverify re-derives path without treating it as a change. When the
// content still matches the stored fingerprint, active defeaters on the
// path's knowledge are resolved by reverification and confidence recovers;
// otherwise the path is reconciled as a modification.
func (e *Engine) Reverify(ctx context.Context, path string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.reverify", attribute.String("path", path))
	var res Result
	plan := subBatch{
		changes: changeset.ChangeSet{
			Entries:      []changeset.Change{{Path: path, Kind: changeset.Modified}},
			DiscoveredAt: e.now(),
			Source:       changeset.SourceEvent,
		},
		reverify: true,
	}
	sr, err := e.runWithRetry(ctx, plan)
	if err == nil {
		res.merge(sr)
		res.Cursor = sr.cursor
	}
	telemetry.EndSpan(span, err)
	return res, err
}
