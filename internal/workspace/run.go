package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/freshness/internal/changeset"
	"github.com/Aman-CERP/freshness/internal/config"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/logging"
	"github.com/Aman-CERP/freshness/internal/reconcile"
	"github.com/Aman-CERP/freshness/internal/store"
	"github.com/Aman-CERP/freshness/internal/telemetry"
	"github.com/Aman-CERP/freshness/internal/watcher"
)

// runState is one WatchStart..WatchStop cycle.
type runState struct {
	cancel     context.CancelFunc
	quit       chan struct{}
	group      *errgroup.Group
	source     *watcher.HybridWatcher
	batcher    *watcher.Batcher
	batchDone  chan struct{}
	heartbeats chan time.Time

	leftMu   sync.Mutex
	leftover []work

	// requeues is owned by the reconcile worker.
	requeues map[string]int
}

func (rs *runState) keep(w work) {
	rs.leftMu.Lock()
	rs.leftover = append(rs.leftover, w)
	rs.leftMu.Unlock()
}

// Watching reports whether the workers are running.
func (c *Coordinator) Watching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// WatchStart starts the event source, the batcher and the workers. The
// workers outlive ctx and run until WatchStop. Calling it while watching is
// a no-op.
func (c *Coordinator) WatchStart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engerrors.New(engerrors.ErrCodeNotRunning, "workspace coordinator is closed", nil)
	}
	if c.run != nil {
		return nil
	}

	w := c.cfg.Watch
	source, err := watcher.NewHybridWatcher(watcher.Options{
		Root:         c.root,
		Filter:       c.scanner.Tracked,
		PollInterval: w.PollInterval.Std(),
		ForcePolling: w.ForcePolling,
		RenameWindow: w.RenameWindow.Std(),
		ConfigFiles:  []string{filepath.Join(c.root, config.ProjectConfigName)},
		Logger:       logging.Component(c.logger, "watcher"),
	})
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	batcher := watcher.NewBatcher(watcher.BatcherOptions{
		Debounce:          w.Debounce.Std(),
		MaxWindow:         w.MaxWindow.Std(),
		StormThreshold:    w.StormThreshold,
		MaxBatchSize:      w.MaxBatchSize,
		HeartbeatInterval: w.HeartbeatInterval.Std(),
		RenameWindow:      w.RenameWindow.Std(),
		OutputSize:        w.QueueSize,
		Logger:            logging.Component(c.logger, "batcher"),
		Now:               c.now,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gctx := errgroup.WithContext(runCtx)
	rs := &runState{
		cancel:     cancel,
		quit:       make(chan struct{}),
		group:      group,
		source:     source,
		batcher:    batcher,
		batchDone:  make(chan struct{}),
		heartbeats: make(chan time.Time, 1),
		requeues:   make(map[string]int),
	}

	group.Go(func() error {
		if err := source.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watch source: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		defer close(rs.batchDone)
		if err := batcher.Run(gctx, source.Events()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error { return c.watchErrors(gctx, rs) })
	group.Go(func() error { return c.ingest(gctx, rs) })
	group.Go(func() error { return c.work(gctx, rs) })
	group.Go(func() error { return c.maintain(gctx, rs) })
	c.run = rs

	// A gap since the last run is caught here, before the first event.
	c.heartbeat(runCtx, c.now(), nil)
	if cur := c.snapshot.Load().cursor; cur.SweepPending {
		c.offer(rs, work{kind: workSweep, reason: cur.SweepReason})
	}
	c.logger.Info("watch_started", slog.String("source", source.WatcherType()))
	return nil
}

// WatchStop stops the workers. With flush set, changes observed but not yet
// applied are reconciled before returning; otherwise a sweep is marked
// pending so the next start picks them up.
func (c *Coordinator) WatchStop(ctx context.Context, flush bool) error {
	c.mu.Lock()
	rs := c.run
	c.run = nil
	c.mu.Unlock()
	if rs == nil {
		return nil
	}

	_ = rs.source.Stop()
	// The batcher flushes its open window once the event channel closes.
	select {
	case <-rs.batchDone:
	case <-ctx.Done():
	}
	close(rs.quit)
	runErr := rs.group.Wait()
	rs.cancel()

	rs.leftMu.Lock()
	left := rs.leftover
	rs.leftMu.Unlock()
	for _, sig := range rs.batcher.Close(c.now()) {
		if w, ok := c.workFor(sig); ok {
			left = append(left, w)
		}
	}
drain:
	for {
		select {
		case w := <-c.queue:
			left = append(left, w)
		default:
			break drain
		}
	}

	if flush {
		for _, w := range left {
			c.process(ctx, w, nil)
		}
	} else if len(left) > 0 {
		for _, w := range left {
			c.backlog.Add(-int64(w.cs.Len()))
		}
		if err := c.store.MarkSweepPending(ctx, "watch_stopped"); err != nil {
			c.logger.Warn("mark_sweep_pending_failed", slog.String("error", err.Error()))
		}
	}
	c.refreshLogged(ctx)
	c.logger.Info("watch_stopped",
		slog.Bool("flush", flush),
		slog.Int("unapplied", len(left)),
		slog.Uint64("dropped_events", rs.source.DroppedEvents()))
	return runErr
}

func (c *Coordinator) watchErrors(ctx context.Context, rs *runState) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rs.quit:
			return nil
		case err, ok := <-rs.source.Errors():
			if !ok {
				return nil
			}
			c.logger.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// ingest moves batcher signals onto the reconcile queue.
func (c *Coordinator) ingest(ctx context.Context, rs *runState) error {
	out := rs.batcher.Output()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rs.quit:
			return nil
		case sig := <-out:
			c.handleSignal(ctx, rs, sig)
		}
	}
}

func (c *Coordinator) handleSignal(ctx context.Context, rs *runState, sig watcher.Signal) {
	telemetry.RecordSignal(sig.Kind.String())
	switch sig.Kind {
	case watcher.SignalHeartbeat:
		select {
		case rs.heartbeats <- sig.At:
		default:
		}
		return
	case watcher.SignalChangeSet:
		c.touchEvent(ctx, rs, sig)
	case watcher.SignalSweepRequested:
		switch sig.Reason {
		case watcher.ReasonEventStorm:
			c.touchEvent(ctx, rs, sig)
		case watcher.ControlIgnoreChanged.String():
			c.scanner.InvalidateIgnoreCache()
			c.refreshRulesHash()
		case watcher.ControlConfigChanged.String():
			c.logger.Warn("project_config_changed",
				slog.String("hint", "changed path rules take effect on the next start"))
		}
	}
	if w, ok := c.workFor(sig); ok {
		c.enqueue(ctx, rs, w)
	}
}

func (c *Coordinator) touchEvent(ctx context.Context, rs *runState, sig watcher.Signal) {
	telemetry.RecordEvents(rs.source.WatcherType(), sig.Events)
	if err := c.store.TouchEvent(ctx, sig.LastEventAt); err != nil {
		c.logger.Warn("touch_event_failed", slog.String("error", err.Error()))
	}
}

// workFor turns a batcher signal into queue work. Apply work is counted in
// the backlog from here until processed or dropped.
func (c *Coordinator) workFor(sig watcher.Signal) (work, bool) {
	switch sig.Kind {
	case watcher.SignalChangeSet:
		if sig.ChangeSet.Empty() {
			return work{}, false
		}
		c.backlog.Add(int64(sig.ChangeSet.Len()))
		return work{kind: workApply, cs: sig.ChangeSet}, true
	case watcher.SignalSweepRequested:
		return work{kind: workSweep, scope: sig.Scope, reason: sig.Reason}, true
	default:
		return work{}, false
	}
}

func (c *Coordinator) enqueue(ctx context.Context, rs *runState, w work) {
	select {
	case c.queue <- w:
	case <-ctx.Done():
		rs.keep(w)
	case <-rs.quit:
		rs.keep(w)
	}
}

// offer enqueues without blocking; a full queue becomes a pending sweep.
func (c *Coordinator) offer(rs *runState, w work) {
	select {
	case c.queue <- w:
	default:
		rs.keep(w)
	}
}

// work is the single reconcile worker: queue items in FIFO order and
// re-derivation requests in between.
func (c *Coordinator) work(ctx context.Context, rs *runState) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rs.quit:
			return nil
		case w := <-c.queue:
			c.process(ctx, w, rs)
		case req := <-c.sched.ch:
			c.rederive(ctx, req)
		}
	}
}

// process applies one queue item. rs is nil when flushing after stop.
func (c *Coordinator) process(ctx context.Context, w work, rs *runState) {
	var (
		res reconcile.Result
		err error
	)
	switch w.kind {
	case workApply:
		res, err = c.engine.Apply(ctx, w.cs)
		c.backlog.Add(-int64(w.cs.Len()))
		if engerrors.GetCode(err) == engerrors.ErrCodeConfigDrift {
			c.logger.Info("apply_config_drift", slog.Int("entries", w.cs.Len()))
			res, err = c.sweep(ctx, nil, "config_drift")
		}
		if err != nil {
			c.logger.Warn("apply_failed", engerrors.LogAttrs(err)...)
		}
	case workSweep:
		res, err = c.sweep(ctx, w.scope, w.reason)
	}
	if err == nil && rs != nil {
		c.requeue(rs, res.Requeued)
	}
	c.refreshLogged(ctx)
}

// requeue retries unreadable paths with a scoped sweep, a few times each.
func (c *Coordinator) requeue(rs *runState, paths []string) {
	var retry []string
	for _, p := range paths {
		rs.requeues[p]++
		if rs.requeues[p] > maxRequeues {
			delete(rs.requeues, p)
			c.logger.Warn("requeue_exhausted", slog.String("path", p))
			continue
		}
		retry = append(retry, p)
	}
	if len(retry) > 0 {
		c.offer(rs, work{kind: workSweep, scope: retry, reason: "requeued"})
	}
}

// rederive runs one scheduled re-derivation under the recovery budget.
func (c *Coordinator) rederive(ctx context.Context, req reconcile.Request) {
	defer c.sched.done(req)
	path := req.Path
	if path == "" {
		a, ok, err := c.store.GetArtifact(ctx, req.ArtifactID)
		if err != nil || !ok || !a.Current() || len(a.SourcePaths) == 0 {
			return
		}
		path = a.SourcePaths[0]
	}
	if !c.recovery.Budget().AllowRederive(c.now(), 1) {
		c.logger.Debug("rederive_deferred", slog.String("path", path), slog.String("reason", "budget"))
		return
	}
	res, err := c.engine.Reverify(ctx, path)
	if err != nil {
		c.logger.Warn("rederive_failed", append(engerrors.LogAttrs(err), slog.String("path", path))...)
		return
	}
	c.logger.Debug("rederived",
		slog.String("path", path),
		slog.String("reason", req.Reason),
		slog.Int("applied", res.Applied))
	c.refreshLogged(ctx)
}

// maintain persists heartbeats and runs the periodic decay pass and
// recovery step.
func (c *Coordinator) maintain(ctx context.Context, rs *runState) error {
	every := c.cfg.Health.MaintainEvery.Std()
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rs.quit:
			return nil
		case at := <-rs.heartbeats:
			c.heartbeat(ctx, at, rs)
		case <-ticker.C:
			if _, err := c.Maintain(ctx); err != nil {
				c.logger.Warn("maintain_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// heartbeat records a liveness tick. A gap longer than the threshold since
// the previous one means events may have been missed, so a sweep is marked
// pending and queued.
func (c *Coordinator) heartbeat(ctx context.Context, at time.Time, rs *runState) {
	prev := c.snapshot.Load().cursor
	if !prev.SweepPending && c.gapSince(prev.LastHeartbeatAt, at) {
		c.logger.Warn("heartbeat_gap_detected",
			slog.Time("last_heartbeat", prev.LastHeartbeatAt),
			slog.Duration("gap", at.Sub(prev.LastHeartbeatAt)))
		if err := c.store.MarkSweepPending(ctx, "heartbeat_gap"); err != nil {
			c.logger.Warn("mark_sweep_pending_failed", slog.String("error", err.Error()))
		} else if rs != nil {
			c.offer(rs, work{kind: workSweep, reason: "heartbeat_gap"})
		}
	}
	if err := c.store.RecordHeartbeat(ctx, at); err != nil {
		c.logger.Warn("heartbeat_failed", slog.String("error", err.Error()))
	}
	c.refreshLogged(ctx)
}

// Maintain runs one decay pass, publishes health gauges and, when the
// workspace is not alive, one recovery step. It returns the resulting
// snapshot.
func (c *Coordinator) Maintain(ctx context.Context) (health.Snapshot, error) {
	if err := c.decayPass(ctx); err != nil {
		return health.Snapshot{}, err
	}
	if err := c.refresh(ctx); err != nil {
		return health.Snapshot{}, err
	}
	snap := c.Status()
	telemetry.SetHealth(string(snap.Status), health.AllStatuses)
	telemetry.SetBacklog(snap.BacklogSize)

	c.recovery.Observe(snap)
	if state, _ := c.recovery.State(); state != health.StateHealthy && state != health.StateDegradedStable {
		c.recovery.Step(ctx)
		c.refreshLogged(ctx)
		snap = c.Status()
	}
	return snap, nil
}

// decayPass evaluates the time-based defeater rules over current knowledge
// and schedules re-derivation of stale or low-confidence artifacts.
func (c *Coordinator) decayPass(ctx context.Context) error {
	now := c.now()
	arts, err := c.store.ListCurrentArtifacts(ctx)
	if err != nil {
		return err
	}
	active, err := c.store.ActiveDefeaters(ctx, true)
	if err != nil {
		return err
	}
	events := c.conf.Evaluate(arts, active, now)
	if len(events) > 0 {
		if err := c.store.AppendDefeaterEvents(ctx, events); err != nil {
			return err
		}
		for _, ev := range events {
			telemetry.RecordDefeater(string(ev.Type), string(ev.Kind))
		}
		c.logger.Info("defeaters_raised", slog.Int("count", len(events)))
	}

	byID := make(map[string]store.Artifact, len(arts))
	for _, a := range arts {
		byID[a.ID] = a
	}
	for _, d := range append(active, store.FoldDefeaters(events)...) {
		if !d.Active() || (d.Type != store.DefeaterStaleKnowledge && d.Type != store.DefeaterLowConfidence) {
			continue
		}
		a, ok := byID[d.TargetArtifactID]
		if !ok || len(a.SourcePaths) == 0 {
			continue
		}
		c.sched.Schedule(reconcile.Request{ArtifactID: a.ID, Path: a.SourcePaths[0], Reason: string(d.Type)})
	}
	return nil
}

// recoverySweep is the RECOVERING sweep.
func (c *Coordinator) recoverySweep(ctx context.Context) error {
	res, err := c.sweep(ctx, nil, "recovery")
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return engerrors.New(engerrors.ErrCodeReconcileFailed,
			fmt.Sprintf("%d paths failed during recovery sweep", res.Failed), nil)
	}
	return nil
}

// repair ends knowledge whose sources are no longer tracked. A sweep only
// visits tracked paths, so it never sees these.
func (c *Coordinator) repair(ctx context.Context, d health.Diagnosis) error {
	paths := d.Check.Paths(health.InconsistencyOrphanArtifact)
	if len(paths) == 0 {
		return nil
	}
	cs := changeset.ChangeSet{DiscoveredAt: c.now(), Source: changeset.SourceSweep}
	for _, p := range paths {
		cs.Entries = append(cs.Entries, changeset.Change{Path: p, Kind: changeset.Deleted})
	}
	res, err := c.engine.Apply(ctx, cs)
	if err != nil {
		return err
	}
	c.logger.Info("orphans_repaired", slog.Int("paths", len(paths)), slog.Int("applied", res.Applied))
	if res.Failed > 0 {
		return engerrors.New(engerrors.ErrCodeReconcileFailed,
			fmt.Sprintf("%d orphaned paths could not be repaired", res.Failed), nil)
	}
	return nil
}
