package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to create a test store with cleanup
func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, ".freshness", DBFileName)

	s, err := Open(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s, dbPath
}

func bootstrap(t *testing.T, s *SQLiteStore, now time.Time) Cursor {
	t.Helper()
	c, created, err := s.BootstrapCursor(context.Background(), "rules-v1", now)
	require.NoError(t, err)
	require.True(t, created)
	return c
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpen_AppliesMigrations(t *testing.T) {
	s, _ := newTestStore(t)

	version, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
	assert.False(t, s.Rebuilt())
}

func TestOpen_ReopenKeepsState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DBFileName)
	ctx := context.Background()

	s, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.UpsertFingerprints(ctx, []FileFingerprint{{Path: "/w/a.go", Size: 3, ModTime: t0}}))
	require.NoError(t, s.Close())

	s, err = Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	fp, ok, err := s.GetFingerprint(ctx, "/w/a.go")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), fp.Size)
	assert.True(t, fp.ModTime.Equal(t0))
}

func TestOpen_CorruptDatabaseIsRebuilt(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DBFileName)

	// Given: garbage where the database should be
	require.NoError(t, os.WriteFile(dbPath, []byte("this is not a sqlite database, not even close"), 0o644))

	// When: opening
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	// Then: the store starts empty and reports the rebuild
	assert.True(t, s.Rebuilt())
	fps, err := s.ListFingerprints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fps)
}

func TestFingerprints_CRUD(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	fps := []FileFingerprint{
		{Path: "/w/a.go", Size: 10, ModTime: t0, ContentHash: "h1", LastConfirmedAt: t0},
		{Path: "/w/b.go", Size: 20, ModTime: t0, Flags: FlagChecksumSkipped},
	}
	require.NoError(t, s.UpsertFingerprints(ctx, fps))

	all, err := s.ListFingerprints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all["/w/a.go"].Authoritative())
	assert.False(t, all["/w/b.go"].Authoritative())
	assert.True(t, all["/w/b.go"].Flags.Has(FlagChecksumSkipped))

	// Upsert replaces
	fps[0].ContentHash = "h2"
	require.NoError(t, s.UpsertFingerprints(ctx, fps[:1]))
	got, _, err := s.GetFingerprint(ctx, "/w/a.go")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)

	require.NoError(t, s.DeleteFingerprints(ctx, []string{"/w/a.go"}))
	_, ok, err := s.GetFingerprint(ctx, "/w/a.go")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetFlags(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertFingerprints(ctx, []FileFingerprint{{Path: "/w/a.go", Flags: FlagChecksumSkipped}}))

	require.NoError(t, s.SetFlags(ctx, "/w/a.go", FlagReconcileFailed, FlagChecksumSkipped))

	fp, _, err := s.GetFingerprint(ctx, "/w/a.go")
	require.NoError(t, err)
	assert.Equal(t, FlagReconcileFailed, fp.Flags)
	assert.Equal(t, "reconcile_failed", fp.Flags.String())

	// Unknown paths are ignored
	assert.NoError(t, s.SetFlags(ctx, "/w/missing.go", FlagExtractionFailed, 0))
}

func TestCursor_BootstrapOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	before, err := s.GetCursor(ctx)
	require.NoError(t, err)
	assert.False(t, before.Exists())

	c := bootstrap(t, s, t0)
	assert.Equal(t, CursorSweep, c.Kind)
	assert.True(t, c.SweepPending)
	assert.Equal(t, "bootstrap", c.SweepReason)
	assert.Equal(t, "rules-v1", c.ConfigHash)

	// Second bootstrap is a no-op
	again, created, err := s.BootstrapCursor(ctx, "rules-v2", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "rules-v1", again.ConfigHash)
}

func TestCommitBatch_AdvancesCursorMonotonically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bootstrap(t, s, t0)

	var last Cursor
	for i := 1; i <= 5; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		c, err := s.CommitBatch(ctx, Batch{
			Upserts: []FileFingerprint{{Path: "/w/a.go", Size: int64(i), ModTime: at}},
			Advance: &CursorAdvance{Kind: CursorSweep, Value: at.Format(time.RFC3339Nano), ConfigHash: "rules-v1", ReconciledAt: at},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), c.Sequence)
		assert.True(t, c.LastReconcileOkAt.After(last.LastReconcileOkAt))
		last = c
	}
}

func TestCommitBatch_FailureLeavesCursorUntouched(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bootstrap(t, s, t0)

	good, err := s.CommitBatch(ctx, Batch{
		Upserts: []FileFingerprint{{Path: "/w/a.go", Size: 1, ModTime: t0}},
		Advance: &CursorAdvance{Kind: CursorGit, Value: "aaa", ConfigHash: "rules-v1", ReconciledAt: t0},
	})
	require.NoError(t, err)

	// Given: a batch that fails half-way (artifact kind violates the schema)
	_, err = s.CommitBatch(ctx, Batch{
		Upserts:   []FileFingerprint{{Path: "/w/b.go", Size: 2, ModTime: t0}},
		Artifacts: []Artifact{{ID: "x", Kind: "bogus", ValidFrom: t0}},
		Advance:   &CursorAdvance{Kind: CursorGit, Value: "bbb", ConfigHash: "rules-v1", ReconciledAt: t0.Add(time.Minute)},
	})
	require.Error(t, err)

	// Then: nothing from the failed batch is visible and the cursor did not move
	c, err := s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, good.Sequence, c.Sequence)
	assert.Equal(t, "aaa", c.Value)

	_, ok, err := s.GetFingerprint(ctx, "/w/b.go")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitBatch_SweepCompletedClearsPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bootstrap(t, s, t0)
	degraded := true

	c, err := s.CommitBatch(ctx, Batch{Advance: &CursorAdvance{
		Kind: CursorSweep, Value: "v", ConfigHash: "rules-v1", ReconciledAt: t0,
		SweepCompleted: true, Degraded: &degraded,
	}})
	require.NoError(t, err)

	assert.False(t, c.SweepPending)
	assert.Empty(t, c.SweepReason)
	assert.True(t, c.LastSweepAt.Equal(t0))
	assert.True(t, c.Degraded)
}

func TestCursor_HeartbeatAndMarkers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Updates before bootstrap fail
	assert.Error(t, s.RecordHeartbeat(ctx, t0))

	bootstrap(t, s, t0)
	require.NoError(t, s.RecordHeartbeat(ctx, t0.Add(time.Minute)))
	require.NoError(t, s.RecordHeartbeat(ctx, t0.Add(2*time.Minute)))
	require.NoError(t, s.TouchEvent(ctx, t0.Add(90*time.Second)))
	require.NoError(t, s.TouchEvent(ctx, t0.Add(30*time.Second)))
	require.NoError(t, s.SetDegraded(ctx, true))
	require.NoError(t, s.MarkSweepPending(ctx, "config_drift"))

	c, err := s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.HeartbeatCount)
	assert.True(t, c.LastHeartbeatAt.Equal(t0.Add(2*time.Minute)))
	assert.True(t, c.LastEventAt.Equal(t0.Add(90*time.Second)), "last event never moves backward")
	assert.True(t, c.Degraded)
	assert.True(t, c.SweepPending)
	assert.Equal(t, "config_drift", c.SweepReason)
	assert.Equal(t, int64(0), c.Sequence, "markers never advance the cursor")
}

func TestResetCursorAndRebuild(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bootstrap(t, s, t0)
	require.NoError(t, s.UpsertFingerprints(ctx, []FileFingerprint{{Path: "/w/a.go"}}))
	require.NoError(t, s.AppendDefeaterEvents(ctx, []DefeaterEvent{{
		DefeaterID: "d1", Kind: EventActivated, Type: DefeaterStaleKnowledge, TargetID: "x", Action: ActionFlag, At: t0,
	}}))

	require.NoError(t, s.Rebuild(ctx))

	c, err := s.GetCursor(ctx)
	require.NoError(t, err)
	assert.False(t, c.Exists())
	fps, err := s.ListFingerprints(ctx)
	require.NoError(t, err)
	assert.Empty(t, fps)

	// The defeater log survives a rebuild
	events, err := s.DefeaterHistory(ctx, "")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	bootstrap(t, s, t0)
	require.NoError(t, s.ResetCursor(ctx))
	c, err = s.GetCursor(ctx)
	require.NoError(t, err)
	assert.False(t, c.Exists())
}

func TestArtifacts_SourceRoutingAndVersions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	end := t0.Add(time.Hour)

	require.NoError(t, s.PutArtifacts(ctx, []Artifact{
		{ID: "e1", Kind: ArtifactEntity, Key: "sym:a#F", Confidence: 0.9, ValidFrom: t0,
			SourcePaths: []string{"/w/a.ts"}, LastVerifiedAt: t0, Provenance: Provenance{ProviderID: "tree-sitter"}},
		{ID: "e0", Kind: ArtifactEntity, Key: "sym:a#F", Confidence: 0.8, ValidFrom: t0.Add(-time.Hour),
			ValidTo: &end, SourcePaths: []string{"/w/a.ts"}, SupersededBy: "e1"},
		{ID: "r1", Kind: ArtifactRelation, Key: "imports:/w/b.ts->file:/w/a.ts", Target: "file:/w/a.ts",
			Confidence: 0.85, ValidFrom: t0, SourcePaths: []string{"/w/b.ts"}},
		{ID: "c1", Kind: ArtifactClaim, Key: "claim:1", Confidence: 2.0, ValidFrom: t0,
			SourcePaths: []string{"/w/b.ts", "/w/a.ts"}},
	}))

	current, err := s.ArtifactsBySourcePath(ctx, "/w/a.ts")
	require.NoError(t, err)
	ids := []string{}
	for _, a := range current {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"e1", "c1"}, ids)

	claim, ok, err := s.GetArtifact(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"/w/a.ts", "/w/b.ts"}, claim.SourcePaths)
	assert.Equal(t, 1.0, claim.Confidence, "confidence is clamped on write")

	versions, err := s.ArtifactsByKey(ctx, "sym:a#F")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "e0", versions[0].ID)
	assert.False(t, versions[0].Current())
	assert.Equal(t, "tree-sitter", versions[1].Provenance.ProviderID)

	rels, err := s.RelationsTargeting(ctx, []string{"file:/w/a.ts", "file:/w/zzz.ts"})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "r1", rels[0].ID)

	all, err := s.ListCurrentArtifacts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CurrentArtifacts)
}

func TestDefeaterLog_AppendOnlyAndFolding(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutArtifacts(ctx, []Artifact{
		{ID: "cur", Kind: ArtifactEntity, Confidence: 0.5, ValidFrom: t0},
		{ID: "old", Kind: ArtifactEntity, Confidence: 0.5, ValidFrom: t0, ValidTo: &t0},
	}))
	require.NoError(t, s.AppendDefeaterEvents(ctx, []DefeaterEvent{
		{DefeaterID: "d1", Kind: EventActivated, Type: DefeaterStaleKnowledge, TargetID: "cur", Action: ActionFlag, At: t0, Reason: "stale"},
		{DefeaterID: "d2", Kind: EventActivated, Type: DefeaterSourceUnavailable, TargetID: "old", Action: ActionInvalidate, At: t0},
		{DefeaterID: "d3", Kind: EventActivated, Type: DefeaterCalibrationDrift, TargetID: "workspace", Action: ActionFlag, At: t0},
		{DefeaterID: "d4", Kind: EventActivated, Type: DefeaterLowConfidence, TargetID: "cur", Action: ActionFlag, At: t0},
	}))
	require.NoError(t, s.AppendDefeaterEvents(ctx, []DefeaterEvent{
		{DefeaterID: "d4", Kind: EventResolved, Type: DefeaterLowConfidence, TargetID: "cur", Action: ActionFlag,
			At: t0.Add(time.Hour), Reason: "checked", Method: "human_confirmation"},
	}))

	// Resolution keeps the activation record
	history, err := s.DefeaterHistory(ctx, "cur")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, EventActivated, history[1].Kind)
	assert.Equal(t, EventResolved, history[2].Kind)

	all, err := s.ActiveDefeaters(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	current, err := s.ActiveDefeaters(ctx, true)
	require.NoError(t, err)
	got := map[string]bool{}
	for _, d := range current {
		got[d.ID] = true
	}
	assert.Equal(t, map[string]bool{"d1": true, "d3": true}, got)

	forCur, err := s.ActiveDefeatersFor(ctx, "cur")
	require.NoError(t, err)
	require.Len(t, forCur, 1)
	assert.Equal(t, "d1", forCur[0].ID)

	// The log rejects rewrites
	_, err = s.db.ExecContext(ctx, "UPDATE defeater_events SET reason = 'x'")
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.ExecContext(ctx, "DELETE FROM defeater_events")
	assert.ErrorContains(t, err, "append-only")
}

func TestFoldDefeaters_IgnoresDuplicateAndOrphanEvents(t *testing.T) {
	resolvedAt := t0.Add(time.Minute)
	out := FoldDefeaters([]DefeaterEvent{
		{DefeaterID: "a", Kind: EventResolved, At: t0},
		{DefeaterID: "b", Kind: EventActivated, Type: DefeaterContradiction, At: t0},
		{DefeaterID: "b", Kind: EventActivated, Type: DefeaterLowConfidence, At: t0},
		{DefeaterID: "b", Kind: EventResolved, At: resolvedAt, Method: "reverification"},
		{DefeaterID: "b", Kind: EventResolved, At: resolvedAt.Add(time.Minute)},
	})

	require.Len(t, out, 1)
	assert.Equal(t, DefeaterContradiction, out[0].Type)
	require.NotNil(t, out[0].ResolvedAt)
	assert.True(t, out[0].ResolvedAt.Equal(resolvedAt))
	assert.Equal(t, "reverification", out[0].ResolutionMethod)
}

func TestState(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	v, err := s.GetState(ctx, "model_version")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, "model_version", "m1"))
	require.NoError(t, s.SetState(ctx, "model_version", "m2"))
	v, err = s.GetState(ctx, "model_version")
	require.NoError(t, err)
	assert.Equal(t, "m2", v)
}
