// Package cascade propagates staleness from changed files to the knowledge
// that depends on them.
//
// Traversal is a bounded breadth-first work queue with a visited set. Hitting
// the hop or artifact bound is reported in Result.Truncated, never as an
// error. Reached artifacts are retired (ValidTo set) and superseded by a
// placeholder at cascade-decayed confidence; recomputing the placeholder is
// left to the deriver.
package cascade

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/freshness/internal/confidence"
	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/store"
)

// Graph is the dependency view of the knowledge graph.
type Graph interface {
	// Sourced returns the current artifacts derived from path.
	Sourced(ctx context.Context, path string) ([]store.Artifact, error)
	// GetDependents returns the current artifacts that depend on any of keys.
	GetDependents(ctx context.Context, keys []string) ([]store.Artifact, error)
}

// Options bounds the traversal.
type Options struct {
	MaxHops      int
	MaxArtifacts int
	Engine       *confidence.Engine
	NewID        func() string
	Logger       *slog.Logger
}

// Result is what one traversal touched. Retired, Placeholders and Related
// are the artifact writes the caller persists.
type Result struct {
	// Invalidated holds the ids of retired artifacts in visit order.
	Invalidated  []string
	Retired      []store.Artifact
	Placeholders []store.Artifact
	// Related are entities of files importing a changed file, with the
	// related-change step applied in place.
	Related   []store.Artifact
	Truncated bool
	// Hops is the deepest hop that reached an artifact.
	Hops int
}

// Writes returns every artifact the result changed.
func (r Result) Writes() []store.Artifact {
	out := make([]store.Artifact, 0, len(r.Retired)+len(r.Placeholders)+len(r.Related))
	out = append(out, r.Retired...)
	out = append(out, r.Placeholders...)
	return append(out, r.Related...)
}

// Invalidator walks a Graph.
type Invalidator struct {
	graph  Graph
	opts   Options
	logger *slog.Logger
}

// New creates an invalidator. Zero bounds default to 3 hops and 500 artifacts.
func New(graph Graph, opts Options) *Invalidator {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 3
	}
	if opts.MaxArtifacts <= 0 {
		opts.MaxArtifacts = 500
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Engine == nil {
		opts.Engine = confidence.NewEngine(config.NewConfig().Confidence)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{graph: graph, opts: opts, logger: logger}
}

// Invalidate walks outward from the entities sourced at path.
func (iv *Invalidator) Invalidate(ctx context.Context, path string, now time.Time) (Result, error) {
	return iv.InvalidateAll(ctx, []string{path}, now)
}

// InvalidateAll walks outward from several changed paths in one traversal,
// so an artifact reachable from two of them is retired once. Artifacts
// sourced at a changed path are skipped; they are re-derived directly.
func (iv *Invalidator) InvalidateAll(ctx context.Context, paths []string, now time.Time) (Result, error) {
	var res Result
	changed := make(map[string]bool, len(paths))
	for _, p := range paths {
		changed[p] = true
	}

	seenKeys := make(map[string]bool)
	var frontier []string
	pushKey := func(k string) {
		if k != "" && !seenKeys[k] {
			seenKeys[k] = true
			frontier = append(frontier, k)
		}
	}
	for _, p := range paths {
		pushKey(store.FileKey(p))
		sourced, err := iv.graph.Sourced(ctx, p)
		if err != nil {
			return res, err
		}
		for _, a := range sourced {
			pushKey(a.Key)
		}
	}

	visited := make(map[string]bool)
	related := make(map[string]bool)

traverse:
	for hop := 1; len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		deps, err := iv.graph.GetDependents(ctx, frontier)
		if err != nil {
			return res, err
		}
		pending := deps[:0:0]
		for _, d := range deps {
			if visited[d.ID] || !d.Current() || touches(d, changed) {
				continue
			}
			visited[d.ID] = true
			pending = append(pending, d)
		}
		if len(pending) == 0 {
			break
		}
		if hop > iv.opts.MaxHops {
			res.Truncated = true
			break
		}

		frontier = nil
		for _, d := range pending {
			if len(res.Invalidated) >= iv.opts.MaxArtifacts {
				res.Truncated = true
				break traverse
			}
			iv.retire(&res, d, now)
			res.Hops = hop
			pushKey(d.Key)
			for _, sp := range d.SourcePaths {
				pushKey(store.FileKey(sp))
				if hop == 1 && !changed[sp] {
					related[sp] = true
				}
			}
		}
	}

	if err := iv.relate(ctx, &res, related, visited); err != nil {
		return res, err
	}
	if res.Truncated {
		iv.logger.Warn("cascade_truncated",
			slog.Int("changed_paths", len(paths)),
			slog.Int("invalidated", len(res.Invalidated)),
			slog.Int("max_hops", iv.opts.MaxHops),
			slog.Int("max_artifacts", iv.opts.MaxArtifacts))
	}
	return res, nil
}

func (iv *Invalidator) retire(res *Result, d store.Artifact, now time.Time) {
	ph := d
	ph.ID = iv.opts.NewID()
	ph.Kind = store.ArtifactPlaceholder
	ph.ValidFrom = now
	ph.ValidTo = nil
	ph.Supersedes = d.ID
	ph.SupersededBy = ""
	ph.ContentHash = ""
	ph.SourcePaths = append([]string(nil), d.SourcePaths...)
	ph = iv.step(ph, confidence.TriggerCascade)

	end := now
	d.ValidTo = &end
	d.SupersededBy = ph.ID

	res.Invalidated = append(res.Invalidated, d.ID)
	res.Retired = append(res.Retired, d)
	res.Placeholders = append(res.Placeholders, ph)
}

// relate applies the related-change step to the entities of importing files.
func (iv *Invalidator) relate(ctx context.Context, res *Result, files map[string]bool, visited map[string]bool) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		sourced, err := iv.graph.Sourced(ctx, p)
		if err != nil {
			return err
		}
		for _, a := range sourced {
			if visited[a.ID] || a.Kind != store.ArtifactEntity {
				continue
			}
			visited[a.ID] = true
			res.Related = append(res.Related, iv.step(a, confidence.TriggerRelatedChange))
		}
	}
	return nil
}

func (iv *Invalidator) step(a store.Artifact, t confidence.Trigger) store.Artifact {
	return iv.opts.Engine.Step(a, t)
}

func touches(a store.Artifact, paths map[string]bool) bool {
	for _, p := range a.SourcePaths {
		if paths[p] {
			return true
		}
	}
	return false
}
