package cascade

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/freshness/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memGraph is an in-memory Graph over a fixed artifact set.
type memGraph struct {
	artifacts []store.Artifact
	calls     int
}

func (g *memGraph) Sourced(_ context.Context, path string) ([]store.Artifact, error) {
	var out []store.Artifact
	for _, a := range g.artifacts {
		if a.Current() && slices.Contains(a.SourcePaths, path) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (g *memGraph) GetDependents(_ context.Context, keys []string) ([]store.Artifact, error) {
	g.calls++
	var out []store.Artifact
	for _, a := range g.artifacts {
		if a.Current() && a.Target != "" && slices.Contains(keys, a.Target) {
			out = append(out, a)
		}
	}
	return out, nil
}

func file(path string) store.Artifact {
	return store.Artifact{ID: "f:" + path, Kind: store.ArtifactEntity, Key: store.FileKey(path),
		Confidence: 0.9, SourcePaths: []string{path}, LastVerifiedAt: now.Add(-time.Hour)}
}

func imports(from, to string) store.Artifact {
	target := store.FileKey(to)
	return store.Artifact{ID: "r:" + from + "->" + to, Kind: store.ArtifactRelation,
		Key: store.ImportKey(from, target), Target: target, Confidence: 0.9,
		SourcePaths: []string{from}, LastVerifiedAt: now.Add(-time.Hour)}
}

func newTestInvalidator(g Graph, maxHops, maxArtifacts int) *Invalidator {
	n := 0
	return New(g, Options{
		MaxHops:      maxHops,
		MaxArtifacts: maxArtifacts,
		NewID: func() string {
			n++
			return fmt.Sprintf("ph%d", n)
		},
	})
}

func TestInvalidate_ChainStopsAtMaxHops(t *testing.T) {
	// Given: e -> d -> c -> b -> a import chain
	g := &memGraph{artifacts: []store.Artifact{
		file("a"), file("b"), file("c"), file("d"), file("e"),
		imports("b", "a"), imports("c", "b"), imports("d", "c"), imports("e", "d"),
	}}

	// When: a changes with a 3 hop bound
	res, err := newTestInvalidator(g, 3, 500).Invalidate(context.Background(), "a", now)

	// Then: three hops are invalidated and the fourth is reported, not errored
	require.NoError(t, err)
	assert.Equal(t, []string{"r:b->a", "r:c->b", "r:d->c"}, res.Invalidated)
	assert.Equal(t, 3, res.Hops)
	assert.True(t, res.Truncated)
}

func TestInvalidate_RetiresAndSupersedesWithPlaceholder(t *testing.T) {
	g := &memGraph{artifacts: []store.Artifact{file("a"), file("b"), imports("b", "a")}}

	res, err := newTestInvalidator(g, 3, 500).Invalidate(context.Background(), "a", now)

	require.NoError(t, err)
	require.Len(t, res.Retired, 1)
	require.Len(t, res.Placeholders, 1)
	retired, ph := res.Retired[0], res.Placeholders[0]

	require.NotNil(t, retired.ValidTo)
	assert.Equal(t, now, *retired.ValidTo)
	assert.Equal(t, "ph1", retired.SupersededBy)

	assert.Equal(t, store.ArtifactPlaceholder, ph.Kind)
	assert.Equal(t, "ph1", ph.ID)
	assert.Equal(t, retired.ID, ph.Supersedes)
	assert.Equal(t, retired.Key, ph.Key)
	assert.Equal(t, retired.Target, ph.Target)
	assert.Equal(t, []string{"b"}, ph.SourcePaths)
	assert.True(t, ph.Current())
	assert.Equal(t, now, ph.ValidFrom)
	assert.Empty(t, ph.ContentHash)
	assert.InDelta(t, 0.9*0.8, ph.Confidence, 1e-12)
	assert.False(t, res.Truncated)
}

func TestInvalidate_RelatedFilesGetRelatedStep(t *testing.T) {
	sym := store.Artifact{ID: "s:b#B", Kind: store.ArtifactEntity, Key: store.SymbolKey("b", "B"),
		Confidence: 0.8, SourcePaths: []string{"b"}}
	g := &memGraph{artifacts: []store.Artifact{file("a"), file("b"), sym, imports("b", "a")}}

	res, err := newTestInvalidator(g, 3, 500).Invalidate(context.Background(), "a", now)

	require.NoError(t, err)
	got := map[string]float64{}
	for _, a := range res.Related {
		got[a.ID] = a.Confidence
		assert.True(t, a.Current(), "related artifacts are adjusted, not retired")
	}
	assert.InDelta(t, 0.72, got["s:b#B"], 1e-12)
	assert.InDelta(t, 0.81, got["f:b"], 1e-12)
	assert.Len(t, res.Writes(), 4)
}

func TestInvalidate_CycleTerminates(t *testing.T) {
	g := &memGraph{artifacts: []store.Artifact{file("a"), file("b"), imports("a", "b"), imports("b", "a")}}

	res, err := newTestInvalidator(g, 10, 500).Invalidate(context.Background(), "a", now)

	require.NoError(t, err)
	assert.Equal(t, []string{"r:b->a"}, res.Invalidated)
	assert.False(t, res.Truncated)
	assert.LessOrEqual(t, g.calls, 3)
}

func TestInvalidate_MaxArtifactsTruncates(t *testing.T) {
	arts := []store.Artifact{file("hub")}
	for i := 0; i < 10; i++ {
		arts = append(arts, imports(fmt.Sprintf("leaf%d", i), "hub"))
	}
	g := &memGraph{artifacts: arts}

	res, err := newTestInvalidator(g, 3, 4).Invalidate(context.Background(), "hub", now)

	require.NoError(t, err)
	assert.Len(t, res.Invalidated, 4)
	assert.Len(t, res.Placeholders, 4)
	assert.True(t, res.Truncated)
}

func TestInvalidateAll_SkipsChangedPathsAndDeduplicates(t *testing.T) {
	// Given: a and b both change; b imports a; c imports both
	g := &memGraph{artifacts: []store.Artifact{
		file("a"), file("b"), file("c"),
		imports("b", "a"), imports("c", "a"), imports("c", "b"),
	}}

	// When: invalidating both (a listed twice)
	res, err := newTestInvalidator(g, 3, 500).InvalidateAll(context.Background(), []string{"a", "b", "a"}, now)

	// Then: b's own relation is left to direct re-derivation; c's are retired once each
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r:c->a", "r:c->b"}, res.Invalidated)
}

func TestInvalidate_NoDependents(t *testing.T) {
	g := &memGraph{artifacts: []store.Artifact{file("a")}}

	res, err := newTestInvalidator(g, 3, 500).Invalidate(context.Background(), "a", now)

	require.NoError(t, err)
	assert.Empty(t, res.Invalidated)
	assert.Zero(t, res.Hops)
	assert.Empty(t, res.Writes())
}

func TestStoreGraph_PlaceholdersKeepEdges(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	// Given: b imports a, persisted
	require.NoError(t, s.PutArtifacts(ctx, []store.Artifact{file("a"), file("b"), imports("b", "a")}))
	iv := newTestInvalidator(NewStoreGraph(s), 3, 500)

	// When: a changes and the result is persisted
	res, err := iv.Invalidate(ctx, "a", now)
	require.NoError(t, err)
	require.Equal(t, []string{"r:b->a"}, res.Invalidated)
	require.NoError(t, s.PutArtifacts(ctx, res.Writes()))

	// Then: the placeholder still carries the dependency for the next change
	res, err = iv.Invalidate(ctx, "a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"ph1"}, res.Invalidated)
	assert.InDelta(t, 0.9*0.8*0.8, res.Placeholders[0].Confidence, 1e-9)

	old, ok, err := s.GetArtifact(ctx, "r:b->a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, old.Current())
	assert.Equal(t, "ph1", old.SupersededBy)
}
