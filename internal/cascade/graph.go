package cascade

import (
	"context"

	"github.com/Aman-CERP/freshness/internal/store"
)

// ArtifactReader is the part of the store the graph reads.
type ArtifactReader interface {
	ArtifactsBySourcePath(ctx context.Context, path string) ([]store.Artifact, error)
	RelationsTargeting(ctx context.Context, keys []string) ([]store.Artifact, error)
}

// keyChunk keeps IN lists well under SQLite's variable limit.
const keyChunk = 500

// StoreGraph derives dependency edges from relation artifacts: an artifact
// depends on a key when it is a relation (or a relation's placeholder)
// targeting that key.
type StoreGraph struct {
	r ArtifactReader
}

// NewStoreGraph creates a graph over the artifact store.
func NewStoreGraph(r ArtifactReader) *StoreGraph {
	return &StoreGraph{r: r}
}

// Sourced returns the current artifacts derived from path.
func (g *StoreGraph) Sourced(ctx context.Context, path string) ([]store.Artifact, error) {
	return g.r.ArtifactsBySourcePath(ctx, path)
}

// GetDependents returns current relations targeting any of keys.
func (g *StoreGraph) GetDependents(ctx context.Context, keys []string) ([]store.Artifact, error) {
	var out []store.Artifact
	for start := 0; start < len(keys); start += keyChunk {
		end := min(start+keyChunk, len(keys))
		deps, err := g.r.RelationsTargeting(ctx, keys[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, deps...)
	}
	return out, nil
}
