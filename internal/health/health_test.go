package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var th = Thresholds{HeartbeatGap: 5 * time.Minute, BacklogWarning: 100}

func liveCursor(at time.Time) store.Cursor {
	return store.Cursor{
		Kind:              store.CursorSweep,
		Value:             at.Format(time.RFC3339Nano),
		LastHeartbeatAt:   at,
		LastReconcileOkAt: at,
		LastSweepAt:       at,
		CreatedAt:         at.Add(-24 * time.Hour),
	}
}

func TestDerive_Statuses(t *testing.T) {
	pending := liveCursor(t0)
	pending.SweepPending = true
	pending.SweepReason = "config_drift"

	stale := liveCursor(t0.Add(-time.Hour))
	stale.LastHeartbeatAt = t0

	tests := []struct {
		name     string
		cursor   store.Cursor
		counters Counters
		want     Status
		catchUp  CatchUpState
	}{
		{"fresh", liveCursor(t0), Counters{}, StatusAlive, CatchUpNone},
		{"no cursor", store.Cursor{}, Counters{}, StatusCatchUpRequired, CatchUpPending},
		{"heartbeat gap", liveCursor(t0.Add(-6 * time.Minute)), Counters{}, StatusSuspectedDead, CatchUpNone},
		{"sweep pending", pending, Counters{}, StatusCatchUpRequired, CatchUpPending},
		{"sweep running", liveCursor(t0), Counters{SweepRunning: true}, StatusCatchUpRequired, CatchUpRunning},
		{"backlog not draining", stale, Counters{Backlog: 3}, StatusCatchUpRequired, CatchUpNone},
		{"idle but old reconcile", stale, Counters{}, StatusAlive, CatchUpNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Derive(tt.cursor, tt.counters, t0, th)
			assert.Equal(t, tt.want, s.Status)
			assert.Equal(t, tt.catchUp, s.CatchUpState)
			assert.Equal(t, tt.want == StatusAlive, s.Healthy)
			if tt.want != StatusAlive {
				assert.NotEmpty(t, s.Reason)
			}
		})
	}
}

func TestDerive_NeverHealthyWithStaleKnowledgeOrWorse(t *testing.T) {
	c := liveCursor(t0)
	ended := t0

	low := Derive(c, Counters{Defeaters: []store.Defeater{{Type: store.DefeaterLowConfidence}}}, t0, th)
	assert.True(t, low.Healthy)
	assert.Equal(t, store.DefeaterLowConfidence, low.MostSevere)

	s := Derive(c, Counters{Defeaters: []store.Defeater{
		{Type: store.DefeaterLowConfidence},
		{Type: store.DefeaterSourceUnavailable, ResolvedAt: &ended},
		{Type: store.DefeaterStaleKnowledge},
	}}, t0, th)
	assert.Equal(t, StatusAlive, s.Status)
	assert.False(t, s.Healthy)
	assert.Equal(t, store.DefeaterStaleKnowledge, s.MostSevere)
	assert.Equal(t, 2, s.ActiveDefeaters)
	assert.Contains(t, s.Reason, "stale_knowledge")
}

func TestDerive_StalenessWindow(t *testing.T) {
	c := liveCursor(t0.Add(-time.Hour))
	c.LastHeartbeatAt = t0.Add(-30 * time.Second)

	// Idle watcher: bounded by the last heartbeat.
	s := Derive(c, Counters{}, t0, th)
	assert.Equal(t, 30*time.Second, s.EstimatedStalenessWindow)

	// Pending work: bounded by the last successful reconcile.
	s = Derive(c, Counters{Backlog: 2}, t0, th)
	assert.Equal(t, time.Hour, s.EstimatedStalenessWindow)
	assert.False(t, s.BacklogWarning)

	s = Derive(c, Counters{Backlog: 100}, t0, th)
	assert.True(t, s.BacklogWarning)
}

func TestScenario_TwoHourHeartbeatGap(t *testing.T) {
	c := liveCursor(t0)

	// During the gap the watcher is suspected dead.
	for _, at := range []time.Duration{10 * time.Minute, time.Hour, 2 * time.Hour} {
		s := Derive(c, Counters{}, t0.Add(at), th)
		assert.Equal(t, StatusSuspectedDead, s.Status, "at +%s", at)
	}

	// On resume the coordinator records a heartbeat and requests a sweep.
	resume := t0.Add(2 * time.Hour)
	c.LastHeartbeatAt = resume
	c.SweepPending = true
	c.SweepReason = "heartbeat_gap"
	s := Derive(c, Counters{}, resume, th)
	assert.Equal(t, StatusCatchUpRequired, s.Status)
	assert.Contains(t, s.Reason, "heartbeat_gap")

	// Still catching up while the sweep runs.
	s = Derive(c, Counters{SweepRunning: true}, resume.Add(time.Second), th)
	assert.Equal(t, StatusCatchUpRequired, s.Status)
	assert.Equal(t, CatchUpRunning, s.CatchUpState)

	// Alive only once the sweep has completed.
	done := resume.Add(5 * time.Second)
	c.SweepPending = false
	c.LastSweepAt = done
	c.LastReconcileOkAt = done
	s = Derive(c, Counters{}, done, th)
	assert.Equal(t, StatusAlive, s.Status)
	assert.True(t, s.Healthy)
}

type memConsistency struct {
	fps  map[string]store.FileFingerprint
	arts []store.Artifact
}

func (m memConsistency) ListFingerprints(context.Context) (map[string]store.FileFingerprint, error) {
	return m.fps, nil
}

func (m memConsistency) ListCurrentArtifacts(context.Context) ([]store.Artifact, error) {
	return m.arts, nil
}

func TestConsistencyChecker_FindsEachIssueType(t *testing.T) {
	r := memConsistency{
		fps: map[string]store.FileFingerprint{
			"/w/a": {Path: "/w/a", ContentHash: "h"},
			"/w/b": {Path: "/w/b", ContentHash: "h"},
			"/w/c": {Path: "/w/c", ContentHash: "h", Flags: store.FlagExtractionFailed},
			"/w/d": {Path: "/w/d", Flags: store.FlagChecksumSkipped},
		},
		arts: []store.Artifact{
			{ID: "a1", SourcePaths: []string{"/w/a"}},
			{ID: "c1", SourcePaths: []string{"/w/c"}},
			{ID: "gone", SourcePaths: []string{"/w/gone"}},
		},
	}

	res, err := NewConsistencyChecker(r, nil).Check(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 7, res.Checked)
	assert.Equal(t, []string{"/w/gone"}, res.Paths(InconsistencyOrphanArtifact))
	assert.Equal(t, []string{"/w/b"}, res.Paths(InconsistencyMissingKnowledge))
	assert.Equal(t, []string{"/w/c"}, res.Paths(InconsistencyFailedPath))
	assert.Len(t, res.Inconsistencies, 3)
}

func TestConsistencyChecker_Consistent(t *testing.T) {
	r := memConsistency{
		fps:  map[string]store.FileFingerprint{"/w/a": {Path: "/w/a", ContentHash: "h"}},
		arts: []store.Artifact{{ID: "a1", SourcePaths: []string{"/w/a"}}},
	}
	res, err := NewConsistencyChecker(r, nil).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Inconsistencies)
}

func TestInconsistencyType_String(t *testing.T) {
	assert.Equal(t, "orphan_artifact", InconsistencyOrphanArtifact.String())
	assert.Equal(t, "missing_knowledge", InconsistencyMissingKnowledge.String())
	assert.Equal(t, "failed_path", InconsistencyFailedPath.String())
	assert.Equal(t, "unknown", InconsistencyType(99).String())
}

// fakeClock is a settable clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newController(t *testing.T, cfg config.RecoveryConfig, a Actions) (*RecoveryController, *fakeClock, *[]Transition) {
	t.Helper()
	clock := &fakeClock{now: t0}
	var log []Transition
	c := NewRecoveryController(cfg, a, WithClock(clock.Now), WithTransitionHook(func(tr Transition) {
		log = append(log, tr)
	}))
	return c, clock, &log
}

func statesOf(log []Transition) []State {
	var out []State
	for _, tr := range log {
		out = append(out, tr.To)
	}
	return out
}

func TestRecovery_FullCycleToHealthy(t *testing.T) {
	sweeps := 0
	c, _, log := newController(t, config.RecoveryConfig{MaxSweepsPerHour: 2, MaxRederivationsPerHour: 10}, Actions{
		Diagnose: func(context.Context) (*CheckResult, error) { return &CheckResult{}, nil },
		Sweep:    func(context.Context) error { sweeps++; return nil },
	})

	// Alive snapshots do nothing.
	c.Observe(Snapshot{Status: StatusAlive})
	assert.Equal(t, StateHealthy, c.Step(context.Background()))
	assert.Zero(t, sweeps)

	c.Observe(Snapshot{Status: StatusCatchUpRequired, Reason: "sweep pending"})
	state, reason := c.State()
	require.Equal(t, StateDegraded, state)
	assert.Contains(t, reason, "catch_up_required")

	assert.Equal(t, StateHealthy, c.Step(context.Background()))
	assert.Equal(t, 1, sweeps)
	assert.Equal(t, []State{StateDegraded, StateDiagnosing, StateRecovering, StateHealthy}, statesOf(*log))
}

func TestRecovery_ExhaustedSweepBudgetParksWithReason(t *testing.T) {
	sweeps := 0
	c, clock, _ := newController(t, config.RecoveryConfig{MaxSweepsPerHour: 2, MaxRederivationsPerHour: 10}, Actions{
		Sweep: func(context.Context) error { sweeps++; return errors.New("disk full") },
	})
	degraded := Snapshot{Status: StatusCatchUpRequired}

	// Two failing attempts use up the hourly budget.
	for i := 0; i < 2; i++ {
		c.Observe(degraded)
		assert.Equal(t, StateDegraded, c.Step(context.Background()))
	}
	assert.Equal(t, 2, sweeps)

	// The third attempt is refused rather than retried silently.
	assert.Equal(t, StateDegradedStable, c.Step(context.Background()))
	assert.Equal(t, 2, sweeps)
	_, reason := c.State()
	assert.Contains(t, reason, "sweep budget exhausted")

	// Parked: further steps and degraded snapshots do nothing.
	c.Observe(degraded)
	assert.Equal(t, StateDegradedStable, c.Step(context.Background()))
	assert.Equal(t, 2, sweeps)

	// An hour later the budget has refilled, but only Reset or a live
	// workspace leaves DEGRADED_STABLE.
	clock.now = t0.Add(time.Hour)
	c.Observe(Snapshot{Status: StatusAlive})
	state, _ := c.State()
	assert.Equal(t, StateHealthy, state)
}

func TestRecovery_RederivationBudget(t *testing.T) {
	c, _, _ := newController(t, config.RecoveryConfig{MaxSweepsPerHour: 5, MaxRederivationsPerHour: 2}, Actions{
		Diagnose: func(context.Context) (*CheckResult, error) {
			return &CheckResult{Inconsistencies: []Inconsistency{
				{Type: InconsistencyMissingKnowledge, Path: "/a"},
				{Type: InconsistencyMissingKnowledge, Path: "/b"},
				{Type: InconsistencyFailedPath, Path: "/c"},
			}}, nil
		},
		Sweep: func(context.Context) error { return nil },
	})

	c.Observe(Snapshot{Status: StatusSuspectedDead})
	assert.Equal(t, StateDegradedStable, c.Step(context.Background()))
	_, reason := c.State()
	assert.Contains(t, reason, "re-derivation budget exhausted")
}

func TestRecovery_RepairRunsAfterSweep(t *testing.T) {
	var order []string
	diag := &CheckResult{Inconsistencies: []Inconsistency{{Type: InconsistencyOrphanArtifact, Path: "/gone"}}}
	c, _, _ := newController(t, config.RecoveryConfig{}, Actions{
		Diagnose: func(context.Context) (*CheckResult, error) { return diag, nil },
		Sweep:    func(context.Context) error { order = append(order, "sweep"); return nil },
		Repair: func(_ context.Context, d Diagnosis) error {
			order = append(order, "repair")
			assert.Equal(t, []string{"/gone"}, d.Check.Paths(InconsistencyOrphanArtifact))
			return nil
		},
	})

	c.Observe(Snapshot{Status: StatusCatchUpRequired})
	assert.Equal(t, StateHealthy, c.Step(context.Background()))
	assert.Equal(t, []string{"sweep", "repair"}, order)
}

func TestRecovery_DiagnoseFailureStillRecovers(t *testing.T) {
	swept := false
	c, _, _ := newController(t, config.RecoveryConfig{MaxSweepsPerHour: 1}, Actions{
		Diagnose: func(context.Context) (*CheckResult, error) { return nil, errors.New("timeout") },
		Sweep:    func(context.Context) error { swept = true; return nil },
	})
	c.Observe(Snapshot{Status: StatusCatchUpRequired})
	assert.Equal(t, StateHealthy, c.Step(context.Background()))
	assert.True(t, swept)
}

func TestRecovery_Reset(t *testing.T) {
	c, _, _ := newController(t, config.RecoveryConfig{MaxSweepsPerHour: 1}, Actions{})
	c.Observe(Snapshot{Status: StatusCatchUpRequired})
	c.Reset("manual reconcile")
	state, reason := c.State()
	assert.Equal(t, StateHealthy, state)
	assert.Empty(t, reason)
}

func TestBudget_UnlimitedAndRefill(t *testing.T) {
	unlimited := NewBudget(config.RecoveryConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.AllowSweep(t0))
	}
	s, r := unlimited.Remaining(t0)
	assert.Equal(t, -1, s)
	assert.Equal(t, -1, r)

	b := NewBudget(config.RecoveryConfig{MaxSweepsPerHour: 4, MaxRederivationsPerHour: 10})
	for i := 0; i < 4; i++ {
		require.True(t, b.AllowSweep(t0))
	}
	assert.False(t, b.AllowSweep(t0))
	assert.False(t, b.AllowSweep(t0.Add(16*time.Minute)), "four sweeps already ran in this hour")
	assert.True(t, b.AllowSweep(t0.Add(time.Hour+time.Second)))

	assert.False(t, b.AllowRederive(t0, 11), "all or nothing")
	assert.True(t, b.AllowRederive(t0, 10))
	_, r = b.Remaining(t0)
	assert.Equal(t, 0, r)
}

func TestBudget_NeverExceedsLimitInAnyHour(t *testing.T) {
	// Given a budget of 4 sweeps an hour that starts full
	b := NewBudget(config.RecoveryConfig{MaxSweepsPerHour: 4})

	// When sweeps are attempted every minute for three hours
	granted := []time.Time{}
	for m := 0; m < 180; m++ {
		now := t0.Add(time.Duration(m) * time.Minute)
		if b.AllowSweep(now) {
			granted = append(granted, now)
		}
	}

	// Then no rolling hour holds more than 4 of them
	require.NotEmpty(t, granted)
	for i, start := range granted {
		n := 0
		for _, g := range granted[i:] {
			if g.Sub(start) < time.Hour {
				n++
			}
		}
		assert.LessOrEqual(t, n, 4, "hour starting at %s", start.Sub(t0))
	}
	s, _ := b.Remaining(t0.Add(30 * time.Minute))
	assert.GreaterOrEqual(t, s, 0)
}

func TestBudget_IdleHourDoesNotDoubleTheAllowance(t *testing.T) {
	// Given a budget of 2 sweeps an hour, spent one at t0
	b := NewBudget(config.RecoveryConfig{MaxSweepsPerHour: 2})
	require.True(t, b.AllowSweep(t0))

	// When the next sweeps arrive in a burst 59 minutes later
	at := t0.Add(59 * time.Minute)

	// Then only the allowance left in that hour is granted
	assert.True(t, b.AllowSweep(at))
	assert.False(t, b.AllowSweep(at), "a banked token must not exceed 2 per hour")
	s, _ := b.Remaining(at)
	assert.Equal(t, 0, s)
	assert.True(t, b.AllowSweep(t0.Add(time.Hour+time.Second)))
}
