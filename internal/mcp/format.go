package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/reconcile"
	"github.com/Aman-CERP/freshness/internal/store"
)

// ToStatusOutput converts a health snapshot.
func ToStatusOutput(root string, s health.Snapshot) StatusOutput {
	return StatusOutput{
		Root:                   root,
		Status:                 string(s.Status),
		Healthy:                s.Healthy,
		Reason:                 s.Reason,
		StalenessWindowSeconds: s.EstimatedStalenessWindow.Seconds(),
		BacklogSize:            s.BacklogSize,
		CatchUpState:           string(s.CatchUpState),
		Degraded:               s.Degraded,
		ActiveDefeaters:        s.ActiveDefeaters,
		MostSevere:             string(s.MostSevere),
		RecoveryState:          string(s.Recovery),
		LastReconcileOkAt:      formatTime(s.LastReconcileOkAt),
		LastHeartbeatAt:        formatTime(s.LastHeartbeatAt),
	}
}

// ToReconcileOutput converts a reconcile result.
func ToReconcileOutput(r reconcile.Result) ReconcileOutput {
	return ReconcileOutput{
		Applied:        r.Applied,
		Skipped:        r.Skipped,
		Failed:         r.Failed,
		FailedPaths:    r.FailedPaths,
		Requeued:       r.Requeued,
		Invalidated:    len(r.Invalidated),
		Truncated:      r.Truncated,
		CursorAdvanced: r.CursorAdvanced,
		Mode:           string(r.Mode),
		Degraded:       r.Degraded,
	}
}

// ToDefeaterOutput converts a folded defeater.
func ToDefeaterOutput(d store.Defeater) DefeaterOutput {
	return DefeaterOutput{
		ID:               d.ID,
		Type:             string(d.Type),
		TargetArtifactID: d.TargetArtifactID,
		Action:           string(d.Action),
		ActivatedAt:      formatTime(d.ActivatedAt),
		Reason:           d.Reason,
		Resolved:         !d.Active(),
		ResolutionMethod: d.ResolutionMethod,
	}
}

// FormatStatus renders a status as markdown.
func FormatStatus(s StatusOutput) string {
	var sb strings.Builder
	sb.WriteString("## Workspace Freshness\n\n")
	fmt.Fprintf(&sb, "**Root:** `%s`\n", s.Root)
	fmt.Fprintf(&sb, "**Status:** %s", s.Status)
	if s.Healthy {
		sb.WriteString(" (healthy)")
	}
	sb.WriteString("\n")
	if s.Reason != "" {
		fmt.Fprintf(&sb, "**Reason:** %s\n", s.Reason)
	}
	fmt.Fprintf(&sb, "**Staleness window:** %s\n", formatWindow(s.StalenessWindowSeconds))
	fmt.Fprintf(&sb, "**Backlog:** %d\n", s.BacklogSize)
	fmt.Fprintf(&sb, "**Catch-up:** %s\n", s.CatchUpState)
	if s.ActiveDefeaters > 0 {
		fmt.Fprintf(&sb, "**Active defeaters:** %d (worst: %s)\n", s.ActiveDefeaters, s.MostSevere)
	}
	if s.RecoveryState != "" {
		fmt.Fprintf(&sb, "**Recovery:** %s\n", s.RecoveryState)
	}
	if !s.Healthy {
		sb.WriteString("\nKnowledge may be stale. Run `force_reconcile` before relying on it.\n")
	}
	return sb.String()
}

// FormatReconcile renders a reconcile result as markdown.
func FormatReconcile(r ReconcileOutput) string {
	var sb strings.Builder
	sb.WriteString("## Reconcile Complete\n\n")
	fmt.Fprintf(&sb, "Applied %d, skipped %d, failed %d", r.Applied, r.Skipped, r.Failed)
	if r.Invalidated > 0 {
		fmt.Fprintf(&sb, ", invalidated %d", r.Invalidated)
	}
	sb.WriteString(".\n")
	if r.Mode != "" {
		fmt.Fprintf(&sb, "\nDetector: %s", r.Mode)
		if r.Degraded {
			sb.WriteString(" (degraded)")
		}
		sb.WriteString("\n")
	}
	for _, p := range r.FailedPaths {
		fmt.Fprintf(&sb, "- failed: `%s`\n", p)
	}
	if len(r.Requeued) > 0 {
		fmt.Fprintf(&sb, "\n%d path(s) were unreadable and will be retried.\n", len(r.Requeued))
	}
	if r.Truncated {
		sb.WriteString("\nCascade hit its bound; some dependents were only flagged.\n")
	}
	return sb.String()
}

// FormatDefeaters renders defeaters as markdown.
func FormatDefeaters(ds []DefeaterOutput) string {
	if len(ds) == 0 {
		return "No defeaters."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Defeaters (%d)\n\n", len(ds))
	for _, d := range ds {
		sb.WriteString(FormatDefeater(d))
	}
	return sb.String()
}

// FormatDefeater renders one defeater as a markdown list item.
func FormatDefeater(d DefeaterOutput) string {
	state := "active"
	if d.Resolved {
		state = "resolved by " + d.ResolutionMethod
	}
	line := fmt.Sprintf("- `%s` **%s** on `%s` (%s, %s)", d.ID, d.Type, d.TargetArtifactID, d.Action, state)
	if d.Reason != "" {
		line += ": " + d.Reason
	}
	return line + "\n"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatWindow(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}
