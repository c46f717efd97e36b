package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/freshness/internal/daemon"
	"github.com/Aman-CERP/freshness/internal/health"
)

// Snapshot prints a workspace health snapshot.
func (w *Writer) Snapshot(root string, s health.Snapshot) {
	w.Header("Workspace " + root)
	w.Field("status", w.statusText(s))
	if s.Reason != "" {
		w.Field("reason", s.Reason)
	}
	w.Field("staleness window", s.EstimatedStalenessWindow.Round(time.Second).String())
	backlog := fmt.Sprintf("%d", s.BacklogSize)
	if s.BacklogWarning {
		backlog = w.styles.Warning.Render(backlog + " (high)")
	}
	w.Field("backlog", backlog)
	w.Field("catch-up", string(s.CatchUpState))
	if s.CursorKind != "" {
		w.Field("cursor", fmt.Sprintf("%s %s", s.CursorKind, shortValue(s.CursorValue)))
	}
	if s.Degraded {
		w.Field("detector", w.styles.Warning.Render("degraded"))
	}
	defeaters := fmt.Sprintf("%d", s.ActiveDefeaters)
	if s.ActiveDefeaters > 0 {
		defeaters = w.styles.Warning.Render(fmt.Sprintf("%d (worst: %s)", s.ActiveDefeaters, s.MostSevere))
	}
	w.Field("active defeaters", defeaters)
	if s.Recovery != "" {
		rec := string(s.Recovery)
		if s.RecoveryReason != "" {
			rec += " " + w.styles.Dim.Render("("+s.RecoveryReason+")")
		}
		w.Field("recovery", rec)
	}
	w.Field("last reconcile", since(s.LastReconcileOkAt))
	w.Field("last heartbeat", since(s.LastHeartbeatAt))
	w.Field("last event", since(s.LastEventAt))
}

func (w *Writer) statusText(s health.Snapshot) string {
	text := string(s.Status)
	switch {
	case s.Healthy:
		return w.styles.Success.Render(text + " (healthy)")
	case s.Status == health.StatusAlive:
		return w.styles.Warning.Render(text)
	default:
		return w.styles.Error.Render(text)
	}
}

// ReconcileResult prints the summary of a reconcile.
func (w *Writer) ReconcileResult(r daemon.ReconcileResult) {
	summary := fmt.Sprintf("Reconciled: %d applied, %d skipped, %d failed", r.Applied, r.Skipped, r.Failed)
	if r.Invalidated > 0 {
		summary += fmt.Sprintf(", %d invalidated", r.Invalidated)
	}
	if r.Failed > 0 {
		w.Warning(summary)
	} else {
		w.Success(summary)
	}
	for _, p := range r.FailedPaths {
		w.Status("", "failed: "+p)
	}
	if len(r.Requeued) > 0 {
		w.Warningf("%d unreadable path(s) will be retried", len(r.Requeued))
	}
	if r.Truncated {
		w.Warning("cascade hit its bound; some dependents were only flagged")
	}
	if r.Degraded {
		w.Warningf("change detection ran degraded (%s)", r.Mode)
	}
	if !r.CursorAdvanced {
		w.Warning("cursor did not advance")
	}
}

// Defeaters prints a defeater table.
func (w *Writer) Defeaters(ds []daemon.DefeaterInfo) {
	if len(ds) == 0 {
		w.Success("No defeaters")
		return
	}
	w.Header(fmt.Sprintf("Defeaters (%d)", len(ds)))
	for _, d := range ds {
		w.Defeater(d)
	}
}

// Defeater prints one defeater line.
func (w *Writer) Defeater(d daemon.DefeaterInfo) {
	state := w.styles.Warning.Render("active")
	if !d.Active() {
		state = w.styles.Dim.Render("resolved: " + d.ResolutionMethod)
	}
	line := fmt.Sprintf("%s  %-18s %-20s %s  %s",
		d.ID, d.Type, d.Action, state, w.styles.Dim.Render("on "+d.TargetArtifactID))
	if d.Reason != "" {
		line += "\n      " + d.Reason
	}
	_, _ = fmt.Fprintln(w.out, "  "+strings.TrimRight(line, " "))
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s ago (%s)", time.Since(t).Round(time.Second), t.Local().Format(time.DateTime))
}

func shortValue(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
