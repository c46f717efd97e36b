// Package workspace runs the freshness engine for one workspace root: event
// ingestion, the reconcile worker, heartbeats, the decay pass and budgeted
// recovery. A Registry hands out one Coordinator per canonical root.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Aman-CERP/freshness/internal/changeset"
	"github.com/Aman-CERP/freshness/internal/confidence"
	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/detect"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/extract"
	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/logging"
	"github.com/Aman-CERP/freshness/internal/reconcile"
	"github.com/Aman-CERP/freshness/internal/scanner"
	"github.com/Aman-CERP/freshness/internal/store"
	"github.com/Aman-CERP/freshness/internal/telemetry"
)

const (
	// StoreFileName is the fingerprint store inside the data directory.
	StoreFileName = store.DBFileName

	stateParserVersion = "parser_version"
	maxRequeues        = 3
)

// Options configures a Coordinator.
type Options struct {
	// Config defaults to the built-in configuration when nil.
	Config *config.Config
	// Parser defaults to the tree-sitter deriver.
	Parser reconcile.Parser
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

type workKind int

const (
	workApply workKind = iota + 1
	workSweep
)

// work is one item on the reconcile queue.
type work struct {
	kind   workKind
	cs     changeset.ChangeSet
	scope  []string
	reason string
}

// cached is what Status reads without touching the store.
type cached struct {
	cursor    store.Cursor
	defeaters []store.Defeater
}

// Coordinator owns the engine and workers of one workspace.
type Coordinator struct {
	root       string
	dataDir    string
	cfg        *config.Config
	store      *store.SQLiteStore
	owner      *flock.Flock
	scanner    *scanner.Scanner
	engine     *reconcile.Engine
	conf       *confidence.Engine
	parser     reconcile.Parser
	recovery   *health.RecoveryController
	checker    *health.ConsistencyChecker
	sched      *rederiveQueue
	thresholds health.Thresholds
	logger     *slog.Logger
	now        func() time.Time

	rulesHash atomic.Value // string
	snapshot  atomic.Pointer[cached]
	backlog   atomic.Int64
	sweeping  atomic.Int32
	sweeps    singleflight.Group
	queue     chan work

	mu     sync.Mutex
	run    *runState
	closed bool
}

// New opens the store under root's data directory and prepares the
// coordinator. It does not start watching. The coordinator owns the
// workspace until Close; a second New on the same data directory returns
// a WorkspaceOwned error.
func New(ctx context.Context, root string, opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	canon, err := scanner.Canonical(root)
	if err != nil {
		return nil, engerrors.New(engerrors.ErrCodeInvalidPath, "cannot resolve workspace root", err).
			WithDetail("root", root)
	}
	if info, err := os.Stat(canon); err != nil || !info.IsDir() {
		return nil, engerrors.New(engerrors.ErrCodeInvalidPath, "workspace root is not a directory", err).
			WithDetail("root", root)
	}
	dataDir := cfg.ResolveDataDir(canon)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	owner, err := acquireOwner(canon, dataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(dataDir, StoreFileName))
	if err != nil {
		_ = owner.Unlock()
		return nil, err
	}
	c, err := build(ctx, canon, dataDir, st, cfg, opts)
	if err != nil {
		_ = st.Close()
		_ = owner.Unlock()
		return nil, err
	}
	c.owner = owner
	return c, nil
}

func build(ctx context.Context, root, dataDir string, st *store.SQLiteStore, cfg *config.Config, opts Options) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("workspace", root))
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	parser := opts.Parser
	if parser == nil {
		parser = extract.NewDeriver(nil)
	}

	sc, err := scanner.New(scanner.Options{
		Root:             root,
		Include:          cfg.Paths.Include,
		Exclude:          cfg.Paths.Exclude,
		RespectGitignore: cfg.RespectsGitignore(),
		Logger:           logging.Component(logger, "scanner"),
	})
	if err != nil {
		return nil, err
	}

	var git *detect.GitClient
	if cfg.UseGitFastPath() {
		if g := detect.NewGitClient(root); g.IsRepo(ctx) {
			git = g
		}
	}
	det, err := detect.New(detect.Options{
		Root:          root,
		Store:         st,
		Git:           git,
		MaxHashBytes:  cfg.Detect.MaxHashBytes,
		HashCacheSize: cfg.Detect.HashCacheSize,
		Workers:       cfg.Detect.HashWorkers,
		NetworkedFS:   cfg.Detect.NetworkedFS,
		Logger:        logging.Component(logger, "detect"),
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	queueSize := cfg.Watch.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Coordinator{
		root:       root,
		dataDir:    dataDir,
		cfg:        cfg,
		store:      st,
		scanner:    sc,
		conf:       confidence.NewEngine(cfg.Confidence, confidence.WithIDGenerator(newID)),
		parser:     parser,
		checker:    health.NewConsistencyChecker(st, logging.Component(logger, "consistency")),
		sched:      newRederiveQueue(4 * queueSize),
		thresholds: health.ThresholdsFrom(cfg.Health),
		logger:     logger,
		now:        now,
		queue:      make(chan work, queueSize),
	}
	c.rulesHash.Store("")

	c.engine, err = reconcile.New(reconcile.Options{
		Store:         st,
		Parser:        parser,
		Detector:      det,
		Scanner:       sc,
		Confidence:    c.conf,
		CascadeConfig: cfg.Cascade,
		Breaker:       engerrors.NewCircuitBreaker("parser", engerrors.WithClock(now)),
		Scheduler:     c.sched,
		LockPath:      filepath.Join(dataDir, reconcile.LockFileName),
		Config:        cfg.Reconcile,
		ConfigHash:    c.configHash,
		MaxHashBytes:  cfg.Detect.MaxHashBytes,
		NewID:         newID,
		Logger:        logging.Component(logger, "reconcile"),
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	c.recovery = health.NewRecoveryController(cfg.Recovery, health.Actions{
		Diagnose: c.checker.Check,
		Sweep:    c.recoverySweep,
		Repair:   c.repair,
	}, health.WithClock(now), health.WithLogger(logging.Component(logger, "recovery")))

	if err := c.startup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// startup bootstraps the cursor and marks a sweep pending when the store
// cannot be trusted as-is: a rebuilt store, changed rules, or a heartbeat
// gap since the last run.
func (c *Coordinator) startup(ctx context.Context) error {
	now := c.now()
	hash := c.refreshRulesHash()

	if c.store.Rebuilt() {
		err := engerrors.CorruptStoreError(c.store.Path(), nil)
		c.logger.Error("fingerprint_store_rebuilt", engerrors.LogAttrs(err)...)
	}

	cur, created, err := c.store.BootstrapCursor(ctx, hash, now)
	if err != nil {
		return err
	}
	switch {
	case created:
		c.logger.Info("workspace_bootstrapped")
	case cur.ConfigHash != hash:
		c.logger.Warn("config_drift_detected",
			slog.String("stored", cur.ConfigHash),
			slog.String("current", hash))
		if err := c.store.MarkSweepPending(ctx, "config_drift"); err != nil {
			return err
		}
	case !cur.SweepPending && c.gapSince(cur.LastHeartbeatAt, now):
		c.logger.Warn("heartbeat_gap_detected",
			slog.Time("last_heartbeat", cur.LastHeartbeatAt),
			slog.Duration("gap", now.Sub(cur.LastHeartbeatAt)))
		if err := c.store.MarkSweepPending(ctx, "heartbeat_gap"); err != nil {
			return err
		}
	}

	if err := c.checkParserVersion(ctx); err != nil {
		return err
	}
	return c.refresh(ctx)
}

// checkParserVersion applies the model-upgrade step once when the parser
// version differs from the one the knowledge was derived with.
func (c *Coordinator) checkParserVersion(ctx context.Context) error {
	version := c.parser.Version()
	stored, err := c.store.GetState(ctx, stateParserVersion)
	if err != nil {
		return err
	}
	if stored == version {
		return nil
	}
	b := store.Batch{State: map[string]string{stateParserVersion: version}}
	if stored != "" {
		arts, err := c.store.ListCurrentArtifacts(ctx)
		if err != nil {
			return err
		}
		b.Artifacts = c.conf.ApplyModelUpgrade(arts, version)
		c.logger.Info("model_upgrade_applied",
			slog.String("from", stored),
			slog.String("to", version),
			slog.Int("artifacts", len(b.Artifacts)))
	}
	_, err = c.store.CommitBatch(ctx, b)
	return err
}

func (c *Coordinator) gapSince(last, now time.Time) bool {
	gap := c.thresholds.HeartbeatGap
	return gap > 0 && !last.IsZero() && now.Sub(last) > gap
}

// configHash is the digest stored on the cursor: the include/exclude rules
// plus the workspace .gitignore files.
func (c *Coordinator) configHash() string {
	return c.rulesHash.Load().(string)
}

func (c *Coordinator) refreshRulesHash() string {
	hash := c.cfg.RulesHash()
	digest, err := c.scanner.IgnoreDigest()
	if err != nil {
		c.logger.Warn("ignore_digest_failed", slog.String("error", err.Error()))
	}
	if digest != "" {
		sum := sha256.Sum256([]byte(hash + "\x00" + digest))
		hash = hex.EncodeToString(sum[:])
	}
	c.rulesHash.Store(hash)
	return hash
}

// refresh reloads the cursor and active defeaters Status reports from.
func (c *Coordinator) refresh(ctx context.Context) error {
	cur, err := c.store.GetCursor(ctx)
	if err != nil {
		return err
	}
	defs, err := c.store.ActiveDefeaters(ctx, true)
	if err != nil {
		return err
	}
	c.snapshot.Store(&cached{cursor: cur, defeaters: defs})
	return nil
}

func (c *Coordinator) refreshLogged(ctx context.Context) {
	if err := c.refresh(ctx); err != nil {
		c.logger.Warn("status_refresh_failed", slog.String("error", err.Error()))
	}
}

// Root returns the canonical workspace root.
func (c *Coordinator) Root() string { return c.root }

// DataDir returns the workspace state directory.
func (c *Coordinator) DataDir() string { return c.dataDir }

// Config returns the configuration the coordinator was opened with.
func (c *Coordinator) Config() *config.Config { return c.cfg }

// Backlog is the number of observed changes not yet applied.
func (c *Coordinator) Backlog() int {
	n := int(c.backlog.Load())
	c.mu.Lock()
	rs := c.run
	c.mu.Unlock()
	if rs != nil {
		n += rs.batcher.Pending()
	}
	return n
}

// Status derives the health snapshot from cached state. It never waits on
// the store or on a running reconcile.
func (c *Coordinator) Status() health.Snapshot {
	snap := c.snapshot.Load()
	s := health.Derive(snap.cursor, health.Counters{
		Backlog:      c.Backlog(),
		SweepRunning: c.sweeping.Load() > 0,
		Defeaters:    snap.defeaters,
	}, c.now(), c.thresholds)
	s.Recovery, s.RecoveryReason = c.recovery.State()
	return s
}

// ForceReconcile runs a sweep now, over scope when given. Relative scope
// paths are resolved against the root. A successful full sweep returns the
// recovery controller to HEALTHY.
func (c *Coordinator) ForceReconcile(ctx context.Context, scope ...string) (reconcile.Result, error) {
	resolved := make([]string, 0, len(scope))
	for _, p := range scope {
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.root, p)
		}
		resolved = append(resolved, filepath.Clean(p))
	}
	res, err := c.sweep(ctx, resolved, "manual")
	c.refreshLogged(ctx)
	if err != nil {
		return res, err
	}
	if len(resolved) == 0 && res.Failed == 0 && len(res.Requeued) == 0 {
		c.recovery.Reset("manual reconcile")
	}
	return res, nil
}

// sweep runs one engine sweep. Concurrent sweeps of the same scope share a
// single run.
func (c *Coordinator) sweep(ctx context.Context, scope []string, reason string) (reconcile.Result, error) {
	key := strings.Join(scope, "\n")
	v, err, shared := c.sweeps.Do(key, func() (any, error) {
		c.sweeping.Add(1)
		defer c.sweeping.Add(-1)

		start := time.Now()
		c.logger.Info("sweep_started", slog.String("reason", reason), slog.Int("scope", len(scope)))
		res, err := c.engine.Sweep(ctx, scope...)
		if err != nil {
			c.logger.Warn("sweep_failed", append(engerrors.LogAttrs(err), slog.String("reason", reason))...)
			return res, err
		}
		c.logger.Info("sweep_finished",
			slog.String("reason", reason),
			slog.String("mode", string(res.Mode)),
			slog.Bool("degraded", res.Degraded),
			slog.Int("applied", res.Applied),
			slog.Int("failed", res.Failed),
			slog.Int("requeued", len(res.Requeued)),
			slog.Duration("duration", time.Since(start)))
		return res, nil
	})
	if shared {
		c.logger.Debug("sweep_shared", slog.String("reason", reason))
	}
	res, _ := v.(reconcile.Result)
	return res, err
}

// ReportContradiction records that a consumer found artifactID wrong. It
// raises a contradiction defeater and feeds the calibration tracker.
func (c *Coordinator) ReportContradiction(ctx context.Context, artifactID, reason string) (store.Defeater, error) {
	a, ok, err := c.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return store.Defeater{}, err
	}
	if !ok {
		return store.Defeater{}, engerrors.ValidationError(fmt.Sprintf("unknown artifact %q", artifactID), nil)
	}
	if !a.Current() {
		return store.Defeater{}, engerrors.ValidationError("artifact is no longer current", nil).
			WithDetail("artifact_id", artifactID).
			WithDetail("superseded_by", a.SupersededBy)
	}
	active, err := c.store.ActiveDefeatersFor(ctx, a.ID)
	if err != nil {
		return store.Defeater{}, err
	}

	now := c.now()
	c.conf.Calibration().Record(c.conf.Effective(a, now), false)
	r := c.conf.Recompute(a, active, now, confidence.TriggerContradiction)
	if reason != "" {
		for i := range r.Events {
			if r.Events[i].Type == store.DefeaterContradiction {
				r.Events[i].Reason = reason
			}
		}
	}
	if len(r.Events) > 0 {
		if _, err := c.store.CommitBatch(ctx, store.Batch{DefeaterEvents: r.Events}); err != nil {
			return store.Defeater{}, err
		}
		for _, ev := range r.Events {
			telemetry.RecordDefeater(string(ev.Type), string(ev.Kind))
		}
	}
	c.refreshLogged(ctx)
	c.logger.Info("contradiction_reported",
		slog.String("artifact_id", a.ID),
		slog.Float64("effective", r.Effective))

	for _, d := range append(store.FoldDefeaters(r.Events), active...) {
		if d.Type == store.DefeaterContradiction {
			return d, nil
		}
	}
	return store.Defeater{}, engerrors.InternalError("contradiction defeater not recorded", nil)
}

// ResolveDefeater resolves an active defeater with method and applies the
// bounded recovery step to its artifact when that is still current.
func (c *Coordinator) ResolveDefeater(ctx context.Context, defeaterID, method, reason string) (store.Defeater, error) {
	m, err := confidence.ParseMethod(method)
	if err != nil {
		return store.Defeater{}, err
	}
	active, err := c.store.ActiveDefeaters(ctx, false)
	if err != nil {
		return store.Defeater{}, err
	}
	var d *store.Defeater
	for i := range active {
		if active[i].ID == defeaterID {
			d = &active[i]
			break
		}
	}
	if d == nil {
		return store.Defeater{}, engerrors.ValidationError(fmt.Sprintf("no active defeater %q", defeaterID), nil)
	}

	var target *store.Artifact
	if a, ok, err := c.store.GetArtifact(ctx, d.TargetArtifactID); err != nil {
		return store.Defeater{}, err
	} else if ok && a.Current() {
		target = &a
	}

	now := c.now()
	ev, recovered, err := c.conf.Resolve(*d, target, m, reason, now)
	if err != nil {
		return store.Defeater{}, err
	}
	b := store.Batch{DefeaterEvents: []store.DefeaterEvent{ev}}
	if recovered != nil {
		b.Artifacts = []store.Artifact{*recovered}
	}
	if _, err := c.store.CommitBatch(ctx, b); err != nil {
		return store.Defeater{}, err
	}
	telemetry.RecordDefeater(string(ev.Type), string(ev.Kind))
	c.refreshLogged(ctx)

	out := *d
	out.ResolvedAt = &now
	out.ResolutionMethod = string(m)
	out.ResolutionReason = reason
	return out, nil
}

// Defeaters lists the defeater log folded per defeater. With activeOnly set
// only unresolved defeaters are returned.
func (c *Coordinator) Defeaters(ctx context.Context, activeOnly bool) ([]store.Defeater, error) {
	if activeOnly {
		return c.store.ActiveDefeaters(ctx, false)
	}
	events, err := c.store.DefeaterHistory(ctx, "")
	if err != nil {
		return nil, err
	}
	return store.FoldDefeaters(events), nil
}

// Close stops watching, flushing what was observed, and closes the store.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.WatchStop(ctx, true)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return err
	}
	c.closed = true
	c.mu.Unlock()
	if cerr := c.store.Close(); err == nil {
		err = cerr
	}
	if c.owner != nil {
		if uerr := c.owner.Unlock(); err == nil && uerr != nil {
			err = fmt.Errorf("failed to release owner lock: %w", uerr)
		}
	}
	return err
}
