package reconcile

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/freshness/internal/changeset"
	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/detect"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/scanner"
	"github.com/Aman-CERP/freshness/internal/store"
)

// fakeParser derives one file entity per path and one import relation per
// "import <rel>" line. A line "!fail" rejects the file; setting down makes
// every call a provider outage.
type fakeParser struct {
	mu    sync.Mutex
	calls int
	down  bool
}

func (p *fakeParser) Version() string { return "fake/1" }

func (p *fakeParser) Derive(_ context.Context, path string, content []byte) ([]store.Artifact, error) {
	p.mu.Lock()
	p.calls++
	down := p.down
	p.mu.Unlock()
	if down {
		return nil, engerrors.ProviderUnavailableError("fake", errors.New("connection refused"))
	}

	out := []store.Artifact{{
		Kind: store.ArtifactEntity, Key: store.FileKey(path), Confidence: 0.9,
		SourcePaths: []string{path},
	}}
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "!fail":
			return nil, engerrors.New(engerrors.ErrCodeExtractionFailed, "cannot parse", nil)
		case strings.HasPrefix(line, "import "):
			target := store.FileKey(filepath.Join(filepath.Dir(path), strings.TrimPrefix(line, "import ")))
			out = append(out, store.Artifact{
				Kind: store.ArtifactRelation, Key: store.ImportKey(path, target), Target: target,
				Confidence: 0.9, SourcePaths: []string{path},
			})
		}
	}
	return out, nil
}

func (p *fakeParser) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingScheduler struct {
	mu   sync.Mutex
	reqs []Request
}

func (s *recordingScheduler) Schedule(r Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, r)
}

// flakyStore fails CommitBatch while failing is set, as a crash between
// derivation and commit would.
type flakyStore struct {
	*store.SQLiteStore
	failing bool
}

func (s *flakyStore) CommitBatch(ctx context.Context, b store.Batch) (store.Cursor, error) {
	if s.failing {
		return store.Cursor{}, errors.New("disk I/O error")
	}
	return s.SQLiteStore.CommitBatch(ctx, b)
}

type fixture struct {
	root     string
	dataDir  string
	st       *flakyStore
	parser   *fakeParser
	sched    *recordingScheduler
	eng      *Engine
	now      time.Time
	rules    string
	mtimeSeq int
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	sc, err := scanner.New(scanner.Options{Root: t.TempDir()})
	require.NoError(t, err)
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		root:    sc.Root(),
		dataDir: t.TempDir(),
		st:      &flakyStore{SQLiteStore: db},
		parser:  &fakeParser{},
		sched:   &recordingScheduler{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		rules:   "rules-v1",
	}
	clock := func() time.Time { return f.now }
	det, err := detect.New(detect.Options{Root: f.root, Store: db, Now: clock, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	n := 0
	opts := Options{
		Store:     f.st,
		Parser:    f.parser,
		Detector:  det,
		Scanner:   sc,
		Scheduler: f.sched,
		LockPath:  filepath.Join(f.dataDir, LockFileName),
		Config: config.ReconcileConfig{
			SubBatchSize:   2,
			LockTimeout:    config.Duration(50 * time.Millisecond),
			MaxRetries:     1,
			InitialBackoff: config.Duration(time.Millisecond),
			MaxBackoff:     config.Duration(5 * time.Millisecond),
		},
		ConfigHash: func() string { return f.rules },
		NewID: func() string {
			n++
			return fmt.Sprintf("id%d", n)
		},
		Now: clock,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.eng, err = New(opts)
	require.NoError(t, err)
	return f
}

// write creates or replaces rel with a distinct, increasing mtime so size
// and mtime always reveal the write.
func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	f.mtimeSeq++
	mt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.mtimeSeq) * time.Second)
	require.NoError(t, os.Chtimes(p, mt, mt))
	return p
}

func (f *fixture) path(rel string) string { return filepath.Join(f.root, rel) }

func (f *fixture) sweep(t *testing.T) Result {
	t.Helper()
	res, err := f.eng.Sweep(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) apply(t *testing.T, kind changeset.Kind, rels ...string) Result {
	t.Helper()
	cs := changeset.ChangeSet{DiscoveredAt: f.now, Source: changeset.SourceEvent}
	for _, r := range rels {
		cs.Entries = append(cs.Entries, changeset.Change{Path: f.path(r), Kind: kind})
	}
	res, err := f.eng.Apply(context.Background(), cs)
	require.NoError(t, err)
	return res
}

func (f *fixture) cursor(t *testing.T) store.Cursor {
	t.Helper()
	c, err := f.st.GetCursor(context.Background())
	require.NoError(t, err)
	return c
}

func (f *fixture) current(t *testing.T, key string) (store.Artifact, bool) {
	t.Helper()
	versions, err := f.st.ArtifactsByKey(context.Background(), key)
	require.NoError(t, err)
	for _, a := range versions {
		if a.Current() {
			return a, true
		}
	}
	return store.Artifact{}, false
}

func TestSweep_BootstrapsAndDerivesWorkspace(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "package a\n")
	f.write(t, "b.src", "import a.src\n")
	f.write(t, "c.src", "c\n")

	res := f.sweep(t)

	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 2, res.SubBatches)
	assert.True(t, res.CursorAdvanced)
	c := f.cursor(t)
	assert.Equal(t, store.CursorSweep, c.Kind)
	assert.False(t, c.SweepPending)
	assert.Equal(t, "rules-v1", c.ConfigHash)

	rel, ok := f.current(t, store.ImportKey(f.path("b.src"), store.FileKey(f.path("a.src"))))
	require.True(t, ok)
	assert.InDelta(t, 0.9, rel.Confidence, 1e-12)
	assert.Equal(t, "fake/1", rel.ModelVersion)
	assert.NotEmpty(t, rel.ContentHash)
}

func TestApply_SameChangeSetTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)

	f.write(t, "a.src", "v2\n")
	first := f.apply(t, changeset.Modified, "a.src")
	require.Equal(t, 1, first.Applied)
	after, err := f.st.ListCurrentArtifacts(context.Background())
	require.NoError(t, err)
	calls := f.parser.Calls()

	second := f.apply(t, changeset.Modified, "a.src")

	assert.Zero(t, second.Applied)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, calls, f.parser.Calls(), "no re-derivation")
	again, err := f.st.ListCurrentArtifacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, after, again, "no double decay")
}

func TestApply_DirectChangeDecaysConfidence(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)

	f.write(t, "a.src", "v2\n")
	f.apply(t, changeset.Modified, "a.src")

	a, ok := f.current(t, store.FileKey(f.path("a.src")))
	require.True(t, ok)
	assert.InDelta(t, 0.63, a.Confidence, 1e-9)
	assert.True(t, f.now.Equal(a.LastVerifiedAt))
	assert.NotEmpty(t, a.Supersedes)
}

func TestApply_FailedCommitLeavesCursorAndIsRecoveredBySweep(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)
	before := f.cursor(t)

	// Given: the commit fails mid-batch
	f.write(t, "a.src", "v2\n")
	f.st.failing = true
	res := f.apply(t, changeset.Modified, "a.src")
	f.st.failing = false

	// Then: nothing moved and a sweep is requested
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.CursorAdvanced)
	after := f.cursor(t)
	assert.Equal(t, before.Sequence, after.Sequence)
	assert.Equal(t, before.Value, after.Value)
	assert.True(t, after.SweepPending)
	assert.Equal(t, SweepReasonFailed, after.SweepReason)

	// When: the sweep runs after "restart"
	res = f.sweep(t)

	// Then: the lost change is applied and the cursor moves on
	assert.Equal(t, 1, res.Applied)
	assert.Greater(t, f.cursor(t).Sequence, before.Sequence)
	assert.False(t, f.cursor(t).SweepPending)
}

func TestApply_CursorSequenceIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v0\n")
	f.sweep(t)

	last := f.cursor(t).Sequence
	for i := 1; i <= 5; i++ {
		f.write(t, "a.src", fmt.Sprintf("v%d\n", i))
		f.now = f.now.Add(time.Minute)
		f.apply(t, changeset.Modified, "a.src")
		c := f.cursor(t)
		require.Greater(t, c.Sequence, last)
		require.False(t, c.LastReconcileOkAt.Before(f.now))
		last = c.Sequence
	}
}

func TestApply_LockConflictExhaustionFlagsPaths(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)
	a, ok := f.current(t, store.FileKey(f.path("a.src")))
	require.True(t, ok)

	// Given: another writer holds the workspace lock
	holder := NewWorkspaceLock(filepath.Join(f.dataDir, LockFileName))
	require.NoError(t, holder.Acquire(context.Background(), time.Second))
	t.Cleanup(func() { _ = holder.Release() })

	// When: applying a change
	f.write(t, "a.src", "v2\n")
	res := f.apply(t, changeset.Modified, "a.src")

	// Then: the batch fails without blocking, flagged for the next sweep
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{f.path("a.src")}, res.FailedPaths)
	fp, ok, err := f.st.GetFingerprint(context.Background(), f.path("a.src"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, fp.Flags.Has(store.FlagReconcileFailed))

	active, err := f.st.ActiveDefeatersFor(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.DefeaterStaleKnowledge, active[0].Type)
	assert.Equal(t, store.ActionFlag, active[0].Action)
	assert.True(t, f.cursor(t).SweepPending)

	// And: once the lock is free the sweep reconciles the path
	require.NoError(t, holder.Release())
	res = f.sweep(t)
	assert.Equal(t, 1, res.Applied)
	fp, _, err = f.st.GetFingerprint(context.Background(), f.path("a.src"))
	require.NoError(t, err)
	assert.False(t, fp.Flags.Has(store.FlagReconcileFailed))
}

func TestApply_UnreadablePresentPathIsRequeued(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)
	a, ok := f.current(t, store.FileKey(f.path("a.src")))
	require.True(t, ok)
	seq := f.cursor(t).Sequence

	// Given: a.src still exists but can no longer be read as a file
	require.NoError(t, os.Remove(f.path("a.src")))
	require.NoError(t, os.Mkdir(f.path("a.src"), 0o755))

	// When: a modification event is applied
	res := f.apply(t, changeset.Modified, "a.src")

	// Then: the path is handed back for a retry and its knowledge is untouched
	assert.Equal(t, []string{f.path("a.src")}, res.Requeued)
	assert.Zero(t, res.Applied)
	assert.Zero(t, res.Failed)
	got, ok := f.current(t, store.FileKey(f.path("a.src")))
	require.True(t, ok, "an unreadable path is not a delete")
	assert.Equal(t, a.ID, got.ID)
	assert.InDelta(t, a.Confidence, got.Confidence, 1e-9)
	_, known, err := f.st.GetFingerprint(context.Background(), f.path("a.src"))
	require.NoError(t, err)
	assert.True(t, known)
	active, err := f.st.ActiveDefeatersFor(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.GreaterOrEqual(t, f.cursor(t).Sequence, seq)
}

func TestApply_ConfigDriftRequiresFullSweep(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)

	f.rules = "rules-v2"
	_, err := f.eng.Apply(context.Background(), changeset.ChangeSet{
		Entries: []changeset.Change{{Path: f.path("a.src"), Kind: changeset.Modified}},
		Source:  changeset.SourceEvent,
	})
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeConfigDrift, engerrors.GetCode(err))

	// A scoped sweep is widened and re-establishes the hash.
	_, err = f.eng.Sweep(context.Background(), f.path("a.src"))
	require.NoError(t, err)
	c := f.cursor(t)
	assert.Equal(t, "rules-v2", c.ConfigHash)
	assert.False(t, c.SweepPending)
}

func TestApply_DeleteEndsKnowledgeWithSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)
	a, _ := f.current(t, store.FileKey(f.path("a.src")))

	require.NoError(t, os.Remove(f.path("a.src")))
	res := f.apply(t, changeset.Deleted, "a.src")

	assert.Equal(t, 1, res.Applied)
	_, ok := f.current(t, store.FileKey(f.path("a.src")))
	assert.False(t, ok)
	_, ok, err := f.st.GetFingerprint(context.Background(), f.path("a.src"))
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := f.st.DefeaterHistory(context.Background(), a.ID)
	require.NoError(t, err)
	actions := map[store.DefeaterType]store.DefeaterAction{}
	for _, ev := range history {
		actions[ev.Type] = ev.Action
	}
	assert.Equal(t, store.ActionInvalidate, actions[store.DefeaterSourceUnavailable])

	// Deleting again is a no-op.
	res = f.apply(t, changeset.Deleted, "a.src")
	assert.Zero(t, res.Applied)
	assert.Equal(t, 1, res.Skipped)
}

func TestApply_DeleteEventForRecreatedFileIsAModify(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)

	// Atomic save: the watcher saw the delete, the new file is already there.
	f.write(t, "a.src", "v2\n")
	res := f.apply(t, changeset.Deleted, "a.src")

	assert.Equal(t, 1, res.Applied)
	a, ok := f.current(t, store.FileKey(f.path("a.src")))
	require.True(t, ok)
	assert.InDelta(t, 0.63, a.Confidence, 1e-9)
}

func TestApply_ExtractionFailureFlagsPathAndKeepsHash(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)
	before, _, err := f.st.GetFingerprint(context.Background(), f.path("a.src"))
	require.NoError(t, err)
	a, _ := f.current(t, store.FileKey(f.path("a.src")))

	f.write(t, "a.src", "!fail\n")
	res := f.apply(t, changeset.Modified, "a.src")

	assert.Equal(t, 1, res.Failed)
	fp, _, err := f.st.GetFingerprint(context.Background(), f.path("a.src"))
	require.NoError(t, err)
	assert.True(t, fp.Flags.Has(store.FlagExtractionFailed))
	assert.Equal(t, before.ContentHash, fp.ContentHash)

	active, err := f.st.ActiveDefeatersFor(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.DefeaterStaleKnowledge, active[0].Type)
	assert.Equal(t, engerrors.StateClosed, f.eng.breaker.State(), "rejected files do not trip the breaker")

	// Re-applying the same change tries again rather than skipping.
	calls := f.parser.Calls()
	f.apply(t, changeset.Modified, "a.src")
	assert.Equal(t, calls+1, f.parser.Calls())
}

func TestApply_ProviderOutageOpensBreakerAndFlags(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Breaker = engerrors.NewCircuitBreaker("fake", engerrors.WithMaxFailures(1), engerrors.WithResetTimeout(time.Hour))
	})
	f.write(t, "a.src", "v1\n")
	f.write(t, "b.src", "v1\n")
	f.sweep(t)
	a, _ := f.current(t, store.FileKey(f.path("a.src")))

	f.parser.down = true
	f.write(t, "a.src", "v2\n")
	f.write(t, "b.src", "v2\n")
	res := f.apply(t, changeset.Modified, "a.src", "b.src")

	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 3, f.parser.Calls(), "open circuit rejects the second call")
	assert.Equal(t, engerrors.StateOpen, f.eng.breaker.State())

	active, err := f.st.ActiveDefeatersFor(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.DefeaterSourceUnavailable, active[0].Type)
	assert.Equal(t, store.ActionFlag, active[0].Action)
}

func TestApply_CascadeRetiresDependentsAndSchedulesPlaceholders(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.write(t, "b.src", "import a.src\n")
	f.sweep(t)
	relKey := store.ImportKey(f.path("b.src"), store.FileKey(f.path("a.src")))
	rel, _ := f.current(t, relKey)

	f.write(t, "a.src", "v2\n")
	res := f.apply(t, changeset.Modified, "a.src")

	assert.Equal(t, []string{rel.ID}, res.Invalidated)
	ph, ok := f.current(t, relKey)
	require.True(t, ok)
	assert.Equal(t, store.ArtifactPlaceholder, ph.Kind)
	assert.Equal(t, rel.ID, ph.Supersedes)
	assert.InDelta(t, 0.9*0.8, ph.Confidence, 1e-9)

	require.Len(t, f.sched.reqs, 1)
	assert.Equal(t, Request{ArtifactID: ph.ID, Path: f.path("b.src"), Reason: "cascade"}, f.sched.reqs[0])

	// b itself was not touched by the change, only related.
	b, _ := f.current(t, store.FileKey(f.path("b.src")))
	assert.InDelta(t, 0.81, b.Confidence, 1e-9)
}

func TestReverify_ReplacesPlaceholderAndRecovers(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.write(t, "b.src", "import a.src\n")
	f.sweep(t)
	f.write(t, "a.src", "v2\n")
	f.apply(t, changeset.Modified, "a.src")
	relKey := store.ImportKey(f.path("b.src"), store.FileKey(f.path("a.src")))
	ph, _ := f.current(t, relKey)
	seq := f.cursor(t).Sequence

	res, err := f.eng.Reverify(context.Background(), f.path("b.src"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Applied)
	assert.Empty(t, res.Invalidated, "unchanged content does not cascade")
	rel, ok := f.current(t, relKey)
	require.True(t, ok)
	assert.Equal(t, store.ArtifactRelation, rel.Kind)
	assert.Equal(t, ph.ID, rel.Supersedes)
	assert.InDelta(t, 0.72, rel.Confidence, 1e-9, "no defeater was resolved, so nothing recovers")
	assert.Equal(t, seq, f.cursor(t).Sequence, "reverification does not move the cursor")
}

func TestReverify_ResolvesDefeatersOnUnchangedKnowledge(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)
	a, _ := f.current(t, store.FileKey(f.path("a.src")))

	// Given: a stale_knowledge defeater after a day without verification
	f.now = f.now.Add(25 * time.Hour)
	ev := f.eng.confidence.Recompute(a, nil, f.now).Events
	require.NotEmpty(t, ev)
	_, err := f.st.CommitBatch(context.Background(), store.Batch{DefeaterEvents: ev})
	require.NoError(t, err)

	// When: re-verified with matching content
	_, err = f.eng.Reverify(context.Background(), f.path("a.src"))
	require.NoError(t, err)

	// Then: same artifact, defeaters resolved, confidence recovered
	active, err := f.st.ActiveDefeatersFor(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
	got, ok := f.current(t, store.FileKey(f.path("a.src")))
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, f.now.Equal(got.LastVerifiedAt))
	assert.Greater(t, got.Confidence, a.Confidence*0.9)
}

func TestReverify_WithoutDefeatersDoesNotRecover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.src", "v1\n")
	f.sweep(t)
	a, _ := f.current(t, store.FileKey(f.path("a.src")))

	// Given: ten hours of decay, short of any staleness defeater
	f.now = f.now.Add(10 * time.Hour)
	want := f.eng.confidence.Effective(a, f.now)
	require.Less(t, want, a.Confidence)

	// When: the unchanged file is re-verified repeatedly
	for i := 0; i < 3; i++ {
		_, err := f.eng.Reverify(ctx, f.path("a.src"))
		require.NoError(t, err)
	}

	// Then: confidence keeps its decayed value and no resolution is recorded
	got, ok := f.current(t, store.FileKey(f.path("a.src")))
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)
	assert.InDelta(t, want, got.Confidence, 1e-9)
	assert.True(t, f.now.Equal(got.LastVerifiedAt))
	history, err := f.st.DefeaterHistory(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSweep_NoLostChangesAcrossDowntime(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))
	live := map[string]string{}

	for round := 0; round < 8; round++ {
		// Random mutations while the watcher is "down": nothing is applied.
		for n := rng.Intn(12); n > 0; n-- {
			rel := fmt.Sprintf("d%d/f%d.src", rng.Intn(3), rng.Intn(10))
			switch _, exists := live[rel]; {
			case exists && rng.Intn(3) == 0:
				require.NoError(t, os.Remove(f.path(rel)))
				delete(live, rel)
			default:
				body := fmt.Sprintf("round %d value %d\n", round, rng.Int())
				f.write(t, rel, body)
				live[rel] = body
			}
		}
		// Sometimes events for part of the changes did arrive.
		if round > 0 && rng.Intn(2) == 0 {
			for rel := range live {
				if rng.Intn(4) == 0 {
					f.apply(t, changeset.Modified, rel)
				}
			}
		}

		f.now = f.now.Add(time.Hour)
		res := f.sweep(t)
		require.Empty(t, res.FailedPaths)

		fps, err := f.st.ListFingerprints(context.Background())
		require.NoError(t, err)
		var want, got []string
		for rel, body := range live {
			want = append(want, f.path(rel))
			fp, ok := fps[f.path(rel)]
			require.True(t, ok, "round %d: %s missing", round, rel)
			assert.Equal(t, detect.Hash([]byte(body)), fp.ContentHash, "round %d: %s stale", round, rel)
			a, ok := f.current(t, store.FileKey(f.path(rel)))
			require.True(t, ok, "round %d: %s has no knowledge", round, rel)
			assert.Equal(t, detect.Hash([]byte(body)), a.ContentHash)
		}
		for p := range fps {
			got = append(got, p)
		}
		sort.Strings(want)
		sort.Strings(got)
		require.Equal(t, want, got, "round %d", round)
	}
}
