// Package changeset holds the ChangeSet value passed from the event batcher
// and the change detector to the reconciliation engine, and the coalescing
// rules that keep one entry per path.
package changeset

import (
	"sort"
	"time"
)

// Kind is the change applied to a path.
type Kind string

const (
	Added    Kind = "added"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
	// Renamed is accepted as input only. Builders expand it into
	// Deleted(old) + Added(new); the Added entry keeps OldPath.
	Renamed Kind = "renamed"
)

// Source says where a ChangeSet came from.
type Source string

const (
	SourceEvent Source = "event"
	SourceSweep Source = "sweep"
)

// Change is one entry of a ChangeSet.
type Change struct {
	Path    string `json:"path"`
	OldPath string `json:"old_path,omitempty"`
	Kind    Kind   `json:"kind"`
}

// ChangeSet is a deduplicated, bounded batch of changes.
type ChangeSet struct {
	Entries      []Change  `json:"entries"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Source       Source    `json:"source"`
}

// Len returns the number of entries.
func (cs ChangeSet) Len() int { return len(cs.Entries) }

// Empty reports whether there is nothing to apply.
func (cs ChangeSet) Empty() bool { return len(cs.Entries) == 0 }

// Paths returns the entry paths in order.
func (cs ChangeSet) Paths() []string {
	out := make([]string, len(cs.Entries))
	for i, e := range cs.Entries {
		out[i] = e.Path
	}
	return out
}

// Split cuts cs into ChangeSets of at most limit entries. Order is kept, so
// deletes that were sorted first stay ahead of adds.
func (cs ChangeSet) Split(limit int) []ChangeSet {
	if limit <= 0 || len(cs.Entries) <= limit {
		return []ChangeSet{cs}
	}
	var out []ChangeSet
	for start := 0; start < len(cs.Entries); start += limit {
		end := min(start+limit, len(cs.Entries))
		part := cs
		part.Entries = append([]Change(nil), cs.Entries[start:end]...)
		out = append(out, part)
	}
	return out
}

// Builder coalesces changes by path. The zero value is not usable; call
// NewBuilder.
type Builder struct {
	pending map[string]*pending
	seq     int
}

type pending struct {
	change Change
	seq    int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{pending: make(map[string]*pending)}
}

// Add records a change, coalescing with any earlier change to the same path:
//   - added + modified = added
//   - added + deleted = deleted, since the add may have replaced a known file
//   - modified + deleted = deleted
//   - deleted + added = modified
func (b *Builder) Add(c Change) {
	if c.Kind == Renamed {
		if c.OldPath != "" && c.OldPath != c.Path {
			b.Add(Change{Path: c.OldPath, Kind: Deleted})
		}
		c.Kind = Added
	}

	existing, ok := b.pending[c.Path]
	if !ok {
		b.seq++
		b.pending[c.Path] = &pending{change: c, seq: b.seq}
		return
	}

	existing.change = coalesce(existing.change, c)
}

func coalesce(prev, next Change) Change {
	switch prev.Kind {
	case Added:
		switch next.Kind {
		case Modified, Added:
			if next.OldPath != "" {
				prev.OldPath = next.OldPath
			}
			return prev
		case Deleted:
			return Change{Path: next.Path, Kind: Deleted}
		}
	case Modified:
		if next.Kind == Added {
			next.Kind = Modified
		}
		return next
	case Deleted:
		if next.Kind == Added || next.Kind == Modified {
			return Change{Path: next.Path, OldPath: next.OldPath, Kind: Modified}
		}
	}
	return next
}

// Len returns the number of distinct pending paths.
func (b *Builder) Len() int { return len(b.pending) }

// Has reports whether path has a pending change.
func (b *Builder) Has(path string) (Change, bool) {
	p, ok := b.pending[path]
	if !ok {
		return Change{}, false
	}
	return p.change, true
}

// Drain returns the pending changes and resets the builder. Deletes come
// first; within a kind, entries keep first-seen order.
func (b *Builder) Drain() []Change {
	list := make([]*pending, 0, len(b.pending))
	for _, p := range b.pending {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		di, dj := list[i].change.Kind == Deleted, list[j].change.Kind == Deleted
		if di != dj {
			return di
		}
		return list[i].seq < list[j].seq
	})

	out := make([]Change, len(list))
	for i, p := range list {
		out[i] = p.change
	}
	b.pending = make(map[string]*pending)
	b.seq = 0
	return out
}

// Build drains the builder into ChangeSets of at most limit entries.
func (b *Builder) Build(source Source, at time.Time, limit int) []ChangeSet {
	entries := b.Drain()
	if len(entries) == 0 {
		return nil
	}
	return ChangeSet{Entries: entries, DiscoveredAt: at, Source: source}.Split(limit)
}

// Normalize coalesces an arbitrary entry list into one ChangeSet's worth
// of entries (deduplicated, deletes first).
func Normalize(entries []Change) []Change {
	b := NewBuilder()
	for _, e := range entries {
		b.Add(e)
	}
	return b.Drain()
}
