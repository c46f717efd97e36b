package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/freshness/internal/daemon"
	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/store"
)

func plain() (*Writer, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewWithColor(buf, false), buf
}

func TestNew_NoColorForBuffers(t *testing.T) {
	// Given: a non-terminal writer
	w := New(&bytes.Buffer{})

	// Then: color is off
	assert.False(t, w.UseColor())
	assert.False(t, IsTTY(&bytes.Buffer{}))
}

func TestWriter_Messages(t *testing.T) {
	w, buf := plain()

	w.Success("swept")
	w.Warningf("%d requeued", 2)
	w.Error("store corrupt")
	w.Status("", "indented")

	out := buf.String()
	assert.Contains(t, out, "✓ swept")
	assert.Contains(t, out, "! 2 requeued")
	assert.Contains(t, out, "✗ store corrupt")
	assert.Contains(t, out, "   indented")
}

func TestWriter_JSON(t *testing.T) {
	w, buf := plain()
	require.NoError(t, w.JSON(map[string]int{"applied": 3}))
	assert.Equal(t, "{\n  \"applied\": 3\n}\n", buf.String())
}

func TestWriter_Snapshot(t *testing.T) {
	// Given: a snapshot after a long gap
	w, buf := plain()
	s := health.Snapshot{
		Status:                   health.StatusCatchUpRequired,
		Reason:                   "heartbeat_gap",
		EstimatedStalenessWindow: 2*time.Hour + 300*time.Millisecond,
		BacklogSize:              1200,
		BacklogWarning:           true,
		CatchUpState:             health.CatchUpPending,
		CursorKind:               store.CursorGit,
		CursorValue:              "0123456789abcdef0123",
		ActiveDefeaters:          2,
		MostSevere:               store.DefeaterStaleKnowledge,
		Recovery:                 health.StateDiagnosing,
		RecoveryReason:           "unhealthy",
		LastHeartbeatAt:          time.Now().Add(-2 * time.Hour),
	}

	// When: rendering
	w.Snapshot("/w", s)

	// Then: every field is shown
	out := buf.String()
	assert.Contains(t, out, "Workspace /w")
	assert.Contains(t, out, "catch_up_required")
	assert.NotContains(t, out, "(healthy)")
	assert.Contains(t, out, "2h0m0s")
	assert.Contains(t, out, "1200 (high)")
	assert.Contains(t, out, "git 0123456789ab")
	assert.Contains(t, out, "2 (worst: stale_knowledge)")
	assert.Contains(t, out, "DIAGNOSING (unhealthy)")
	assert.Contains(t, out, "never")
}

func TestWriter_ReconcileResult(t *testing.T) {
	w, buf := plain()
	w.ReconcileResult(daemon.ReconcileResult{
		Applied: 3, Failed: 1, FailedPaths: []string{"/w/bad.go"},
		Requeued: []string{"/w/x"}, Invalidated: 2, CursorAdvanced: true,
	})

	out := buf.String()
	assert.Contains(t, out, "! Reconciled: 3 applied, 0 skipped, 1 failed, 2 invalidated")
	assert.Contains(t, out, "failed: /w/bad.go")
	assert.Contains(t, out, "1 unreadable path(s)")
	assert.NotContains(t, out, "cursor did not advance")
}

func TestWriter_Defeaters(t *testing.T) {
	w, buf := plain()
	w.Defeaters(nil)
	assert.Contains(t, buf.String(), "No defeaters")

	buf.Reset()
	at := time.Now()
	w.Defeaters([]daemon.DefeaterInfo{
		{ID: "d1", Type: "contradiction", Action: "flag", TargetArtifactID: "a1", Reason: "docs disagree"},
		{ID: "d2", Type: "low_confidence", Action: "require_verification", TargetArtifactID: "a2", ResolvedAt: &at, ResolutionMethod: "reverification"},
	})

	out := buf.String()
	assert.Contains(t, out, "Defeaters (2)")
	assert.Contains(t, out, "d1")
	assert.Contains(t, out, "active")
	assert.Contains(t, out, "docs disagree")
	assert.Contains(t, out, "resolved: reverification")
}
