// Package health derives the externally observable status of a workspace
// and drives budgeted recovery when it degrades.
//
// Derive is pure: the snapshot is always recomputed from the durable cursor
// and the coordinator's in-memory counters, never persisted.
package health

import (
	"fmt"
	"time"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/store"
)

// Status is the liveness of a workspace.
type Status string

const (
	StatusAlive           Status = "alive"
	StatusSuspectedDead   Status = "suspected_dead"
	StatusCatchUpRequired Status = "catch_up_required"
)

// AllStatuses lists every status, for one-hot gauges.
var AllStatuses = []string{string(StatusAlive), string(StatusSuspectedDead), string(StatusCatchUpRequired)}

// CatchUpState says where a required catch-up sweep stands.
type CatchUpState string

const (
	CatchUpNone    CatchUpState = "none"
	CatchUpPending CatchUpState = "pending"
	CatchUpRunning CatchUpState = "running"
)

// Counters are the in-memory facts the cursor does not hold.
type Counters struct {
	// Backlog is the number of queued ChangeSet entries not yet applied.
	Backlog      int
	SweepRunning bool
	// Defeaters are the active defeaters on current knowledge.
	Defeaters []store.Defeater
}

// Thresholds configure Derive.
type Thresholds struct {
	HeartbeatGap   time.Duration
	BacklogWarning int
}

// ThresholdsFrom reads Thresholds from configuration.
func ThresholdsFrom(cfg config.HealthConfig) Thresholds {
	return Thresholds{HeartbeatGap: cfg.HeartbeatGap.Std(), BacklogWarning: cfg.BacklogWarning}
}

// Snapshot is the observable state of one workspace.
type Snapshot struct {
	Status  Status `json:"status"`
	Healthy bool   `json:"healthy"`
	// Reason explains any status other than a healthy alive.
	Reason string `json:"reason,omitempty"`

	EstimatedStalenessWindow time.Duration `json:"estimated_staleness_window_ns"`
	BacklogSize              int           `json:"backlog_size"`
	BacklogWarning           bool          `json:"backlog_warning,omitempty"`
	CatchUpState             CatchUpState  `json:"catch_up_state"`

	// MostSevere is the worst active defeater type, empty when none.
	MostSevere      store.DefeaterType `json:"most_severe,omitempty"`
	ActiveDefeaters int                `json:"active_defeaters"`

	CursorKind        store.CursorKind `json:"cursor_kind,omitempty"`
	CursorValue       string           `json:"cursor_value,omitempty"`
	Degraded          bool             `json:"degraded"`
	LastHeartbeatAt   time.Time        `json:"last_heartbeat_at"`
	LastEventAt       time.Time        `json:"last_event_at"`
	LastReconcileOkAt time.Time        `json:"last_reconcile_ok_at"`
	LastSweepAt       time.Time        `json:"last_sweep_at"`

	// Recovery fields are filled in by the coordinator.
	Recovery       State  `json:"recovery_state,omitempty"`
	RecoveryReason string `json:"recovery_reason,omitempty"`
}

// Derive computes a Snapshot from the cursor and counters at now.
func Derive(c store.Cursor, counters Counters, now time.Time, th Thresholds) Snapshot {
	s := Snapshot{
		BacklogSize:       counters.Backlog,
		BacklogWarning:    th.BacklogWarning > 0 && counters.Backlog >= th.BacklogWarning,
		CatchUpState:      CatchUpNone,
		CursorKind:        c.Kind,
		CursorValue:       c.Value,
		Degraded:          c.Degraded,
		LastHeartbeatAt:   c.LastHeartbeatAt,
		LastEventAt:       c.LastEventAt,
		LastReconcileOkAt: c.LastReconcileOkAt,
		LastSweepAt:       c.LastSweepAt,
	}

	for _, d := range counters.Defeaters {
		if !d.Active() {
			continue
		}
		s.ActiveDefeaters++
		if d.Type.Severity() > s.MostSevere.Severity() {
			s.MostSevere = d.Type
		}
	}

	switch {
	case !c.Exists():
		s.Status = StatusCatchUpRequired
		s.CatchUpState = CatchUpPending
		s.Reason = "workspace was never reconciled"
	case th.HeartbeatGap > 0 && now.Sub(c.LastHeartbeatAt) > th.HeartbeatGap:
		s.Status = StatusSuspectedDead
		s.Reason = fmt.Sprintf("no heartbeat for %s", now.Sub(c.LastHeartbeatAt).Round(time.Second))
	case c.SweepPending || counters.SweepRunning:
		s.Status = StatusCatchUpRequired
		s.CatchUpState = CatchUpPending
		if counters.SweepRunning {
			s.CatchUpState = CatchUpRunning
		}
		s.Reason = "sweep pending"
		if c.SweepReason != "" {
			s.Reason += ": " + c.SweepReason
		}
	case counters.Backlog > 0 && th.HeartbeatGap > 0 && now.Sub(c.LastReconcileOkAt) > th.HeartbeatGap:
		s.Status = StatusCatchUpRequired
		s.Reason = fmt.Sprintf("backlog of %d not applied for %s", counters.Backlog, now.Sub(c.LastReconcileOkAt).Round(time.Second))
	default:
		s.Status = StatusAlive
	}

	s.EstimatedStalenessWindow = stalenessWindow(c, s.Status, counters.Backlog, now)

	s.Healthy = s.Status == StatusAlive && s.MostSevere.Severity() < store.DefeaterStaleKnowledge.Severity()
	if s.Status == StatusAlive && !s.Healthy {
		s.Reason = fmt.Sprintf("%s defeater active", s.MostSevere)
	}
	return s
}

// stalenessWindow bounds how old the newest unapplied change can be. With an
// empty backlog on a live watcher everything observed up to the last
// heartbeat has been applied.
func stalenessWindow(c store.Cursor, status Status, backlog int, now time.Time) time.Duration {
	ref := c.LastReconcileOkAt
	if status == StatusAlive && backlog == 0 && c.LastHeartbeatAt.After(ref) {
		ref = c.LastHeartbeatAt
	}
	if ref.IsZero() {
		ref = c.CreatedAt
	}
	if ref.IsZero() || now.Before(ref) {
		return 0
	}
	return now.Sub(ref)
}
