// Package detect computes what changed in a workspace since the cursor. It
// prefers git history when the cursor names a reachable commit and falls
// back to comparing the enumeration against stored fingerprints.
//
// Only a content hash mismatch (or an absent hash) counts as a change.
// Size and mtime are used to skip unchanged files, never to declare a change
// on their own, except for files too large or not text to hash.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/freshness/internal/changeset"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/scanner"
	"github.com/Aman-CERP/freshness/internal/store"
)

// DirtyStateKey is the store state key holding the worktree paths that
// differed from HEAD at the last sweep.
const DirtyStateKey = "git_dirty"

// skewSweeps is how many sweeps hash a path after its mtime went backwards,
// counting the sweep that observed it.
const skewSweeps = 2

// Mode names the detection strategy a Diff used.
type Mode string

const (
	ModeGit   Mode = "git"
	ModeSweep Mode = "sweep"
)

// Reader is the part of the store the detector reads.
type Reader interface {
	ListFingerprints(ctx context.Context) (map[string]store.FileFingerprint, error)
	GetState(ctx context.Context, key string) (string, error)
}

// Options configures a Detector.
type Options struct {
	Root  string
	Store Reader
	// Git enables the fast path; nil means sweeps only.
	Git           *GitClient
	MaxHashBytes  int64
	HashCacheSize int
	Workers       int
	// NetworkedFS hashes every file; mtimes on network mounts are not trusted.
	NetworkedFS bool
	// RetryDelay is the wait before re-checking an unreadable path.
	RetryDelay time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// DiffReport describes a Diff beyond the ChangeSet itself.
type DiffReport struct {
	Mode     Mode
	Degraded bool
	// HistoryErr is the HistoryUnavailable error that forced the fallback.
	HistoryErr error
	// HeadCommit is HEAD at detection time, empty outside a git work tree.
	HeadCommit string
	// Dirty lists workspace-relative paths that differ from HEAD.
	Dirty []string

	// Confirmed holds refreshed fingerprints of paths whose content matched.
	Confirmed []store.FileFingerprint
	// Fingerprints holds what was observed for each changed path.
	Fingerprints map[string]store.FileFingerprint
	// Requeued paths were unreadable but still present.
	Requeued     []string
	SkewDetected []string

	Hashed    int
	Unchanged int
}

// Detector diffs the workspace against the fingerprint store.
type Detector struct {
	root         string
	store        Reader
	git          *GitClient
	maxHashBytes int64
	workers      int
	networkedFS  bool
	retryDelay   time.Duration
	logger       *slog.Logger
	now          func() time.Time
	read         func(path string, maxBytes int64) (Content, error)

	hashes *lru.Cache[hashKey, string]
}

type hashKey struct {
	path  string
	size  int64
	mtime int64
}

// New creates a detector.
func New(opts Options) (*Detector, error) {
	if opts.Store == nil {
		return nil, errors.New("detector requires a store")
	}
	root, err := scanner.Canonical(opts.Root)
	if err != nil {
		return nil, err
	}
	size := opts.HashCacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[hashKey, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create hash cache: %w", err)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	return &Detector{
		root:         root,
		store:        opts.Store,
		git:          opts.Git,
		maxHashBytes: opts.MaxHashBytes,
		workers:      workers,
		networkedFS:  opts.NetworkedFS,
		retryDelay:   retry,
		logger:       logger,
		now:          now,
		read:         Read,
		hashes:       cache,
	}, nil
}

// Diff computes the changes between the stored fingerprints and scan, the
// current enumeration. With a non-empty scope (canonical absolute paths),
// only fingerprints under the scope can be reported deleted.
func (d *Detector) Diff(ctx context.Context, cursor store.Cursor, scan map[string]scanner.Entry, scope ...string) (changeset.ChangeSet, DiffReport, error) {
	report := DiffReport{Mode: ModeSweep, Fingerprints: make(map[string]store.FileFingerprint)}
	now := d.now()

	fps, err := d.store.ListFingerprints(ctx)
	if err != nil {
		return changeset.ChangeSet{}, report, fmt.Errorf("failed to list fingerprints: %w", err)
	}

	var candidates map[string]struct{}
	if d.git != nil {
		head, dirty, gitErr := d.gitState(ctx)
		if gitErr == nil {
			report.HeadCommit = head
			report.Dirty = dirty
		}
		if cursor.Kind == store.CursorGit {
			candidates, err = d.fastCandidates(ctx, cursor.Value, head, dirty, gitErr)
			if err != nil {
				report.Degraded = true
				report.HistoryErr = err
				d.logger.Warn("git_fast_path_unavailable", engerrors.LogAttrs(err)...)
				candidates = nil
			} else {
				report.Mode = ModeGit
			}
		}
	}

	var work []item
	present := make(map[string]bool, len(scan))
	for path, entry := range scan {
		present[path] = true
		fp, known := fps[path]
		it := item{entry: entry, fp: fp, known: known}
		switch {
		case candidates == nil:
		case !known:
			// Files the git fast path cannot see (ignored by git but
			// tracked here) still show up as additions.
		case forcedByFlags(fp):
		default:
			if _, ok := candidates[path]; !ok {
				report.Unchanged++
				continue
			}
			it.candidate = true
		}
		work = append(work, it)
	}

	results := make([]outcome, len(work))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range work {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = d.check(work[i], now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return changeset.ChangeSet{}, report, err
	}

	b := changeset.NewBuilder()
	for i, res := range results {
		path := work[i].entry.Path
		if res.hashed {
			report.Hashed++
		}
		if res.skew {
			report.SkewDetected = append(report.SkewDetected, path)
		}
		switch res.kind {
		case resultUnchanged:
			report.Unchanged++
		case resultConfirmed:
			report.Confirmed = append(report.Confirmed, res.fp)
		case resultRequeued:
			report.Requeued = append(report.Requeued, path)
		case resultAdded:
			report.Fingerprints[path] = res.fp
			b.Add(changeset.Change{Path: path, Kind: changeset.Added})
		case resultModified:
			report.Fingerprints[path] = res.fp
			b.Add(changeset.Change{Path: path, Kind: changeset.Modified})
		case resultDeleted:
			b.Add(changeset.Change{Path: path, Kind: changeset.Deleted})
		}
	}

	for path := range fps {
		if present[path] || !inScope(path, scope) {
			continue
		}
		b.Add(changeset.Change{Path: path, Kind: changeset.Deleted})
	}

	sort.Strings(report.Requeued)
	sort.Strings(report.SkewDetected)

	cs := changeset.ChangeSet{Entries: b.Drain(), DiscoveredAt: now, Source: changeset.SourceSweep}
	d.logger.Debug("diff_complete",
		slog.String("mode", string(report.Mode)),
		slog.Int("changes", cs.Len()),
		slog.Int("hashed", report.Hashed),
		slog.Int("unchanged", report.Unchanged),
		slog.Bool("degraded", report.Degraded))
	return cs, report, nil
}

// HeadCommit returns HEAD, or "" outside a git work tree or without git.
func (d *Detector) HeadCommit(ctx context.Context) string {
	if d.git == nil {
		return ""
	}
	head, err := d.git.Head(ctx)
	if err != nil {
		return ""
	}
	return head
}

func (d *Detector) gitState(ctx context.Context) (string, []string, error) {
	head, err := d.git.Head(ctx)
	if err != nil {
		return "", nil, err
	}
	worktree, err := d.git.DiffWorktree(ctx)
	if err != nil {
		return "", nil, err
	}
	untracked, err := d.git.Untracked(ctx)
	if err != nil {
		return "", nil, err
	}

	set := make(map[string]struct{}, len(worktree)+len(untracked))
	for _, ns := range worktree {
		set[ns.Path] = struct{}{}
		if ns.OldPath != "" {
			set[ns.OldPath] = struct{}{}
		}
	}
	for _, p := range untracked {
		set[p] = struct{}{}
	}
	dirty := make([]string, 0, len(set))
	for p := range set {
		dirty = append(dirty, p)
	}
	sort.Strings(dirty)
	return head, dirty, nil
}

// fastCandidates returns the canonical paths that may have changed since
// the commit in the cursor.
func (d *Detector) fastCandidates(ctx context.Context, sha, head string, dirty []string, gitErr error) (map[string]struct{}, error) {
	if gitErr != nil {
		return nil, engerrors.HistoryUnavailableError(sha, gitErr)
	}
	if !d.git.Reachable(ctx, sha) {
		return nil, engerrors.HistoryUnavailableError(sha, errors.New("commit not reachable"))
	}

	candidates := make(map[string]struct{})
	add := func(rel string) {
		candidates[filepath.Join(d.root, filepath.FromSlash(rel))] = struct{}{}
	}

	if sha != head {
		changes, err := d.git.DiffCommits(ctx, sha, head)
		if err != nil {
			return nil, engerrors.HistoryUnavailableError(sha, err)
		}
		for _, ns := range changes {
			add(ns.Path)
			if ns.OldPath != "" {
				add(ns.OldPath)
			}
		}
	}
	for _, p := range dirty {
		add(p)
	}

	// Paths dirty at the last sweep may have been reverted to HEAD since.
	prev, err := d.store.GetState(ctx, DirtyStateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read dirty set: %w", err)
	}
	if prev != "" {
		var paths []string
		if err := json.Unmarshal([]byte(prev), &paths); err != nil {
			d.logger.Warn("dirty_set_unreadable", slog.String("error", err.Error()))
		}
		for _, p := range paths {
			add(p)
		}
	}
	return candidates, nil
}

type item struct {
	entry     scanner.Entry
	fp        store.FileFingerprint
	known     bool
	candidate bool
}

type resultKind int

const (
	resultUnchanged resultKind = iota
	resultConfirmed
	resultAdded
	resultModified
	resultDeleted
	resultRequeued
)

type outcome struct {
	kind   resultKind
	fp     store.FileFingerprint
	hashed bool
	skew   bool
}

func forcedByFlags(fp store.FileFingerprint) bool {
	return fp.ForceHashSweeps > 0 ||
		fp.Flags.Has(store.FlagExtractionFailed) ||
		fp.Flags.Has(store.FlagReconcileFailed)
}

// check classifies one present path.
func (d *Detector) check(it item, now time.Time) outcome {
	e, fp := it.entry, it.fp
	skew := it.known && e.ModTime.Before(fp.ModTime)

	force := d.networkedFS || !it.known || it.candidate || skew || forcedByFlags(fp)
	if !force && e.Size == fp.Size && e.ModTime.Equal(fp.ModTime) {
		return outcome{kind: resultUnchanged}
	}

	remaining := 0
	switch {
	case skew:
		remaining = skewSweeps - 1
	case fp.ForceHashSweeps > 0:
		remaining = fp.ForceHashSweeps - 1
	}

	observed := store.FileFingerprint{
		Path:            e.Path,
		Size:            e.Size,
		ModTime:         e.ModTime,
		LastConfirmedAt: now,
		Flags:           fp.Flags &^ store.FlagChecksumSkipped,
		ForceHashSweeps: remaining,
	}

	bypassCache := skew || d.networkedFS || fp.ForceHashSweeps > 0
	hash, skipped, err := d.hash(e, bypassCache)
	if err != nil {
		return d.unreadable(it, err, skew)
	}

	if skipped {
		observed.Flags |= store.FlagChecksumSkipped
		switch {
		case !it.known:
			return outcome{kind: resultAdded, fp: observed, skew: skew}
		case e.Size != fp.Size || !e.ModTime.Equal(fp.ModTime):
			return outcome{kind: resultModified, fp: observed, skew: skew}
		}
		observed.LastConfirmedAt = fp.LastConfirmedAt
		return outcome{kind: resultConfirmed, fp: observed, skew: skew}
	}

	observed.ContentHash = hash
	res := outcome{fp: observed, hashed: true, skew: skew}
	switch {
	case !it.known:
		res.kind = resultAdded
	case fp.ContentHash == "" || fp.ContentHash != hash:
		res.kind = resultModified
	default:
		res.kind = resultConfirmed
	}
	return res
}

func (d *Detector) hash(e scanner.Entry, bypassCache bool) (string, bool, error) {
	key := hashKey{path: e.Path, size: e.Size, mtime: e.ModTime.UnixNano()}
	if !bypassCache {
		if h, ok := d.hashes.Get(key); ok {
			return h, false, nil
		}
	}
	c, err := d.read(e.Path, d.maxHashBytes)
	if err != nil {
		return "", false, err
	}
	if c.Skipped {
		return "", true, nil
	}
	// Cache under what was actually read; a write between stat and read
	// changes the key.
	d.hashes.Add(hashKey{path: e.Path, size: c.Size, mtime: c.ModTime.UnixNano()}, c.Hash)
	return c.Hash, false, nil
}

// unreadable re-checks a path after a short wait: gone means deleted,
// still there means try again next sweep.
func (d *Detector) unreadable(it item, cause error, skew bool) outcome {
	time.Sleep(d.retryDelay)
	if _, err := os.Stat(it.entry.Path); errors.Is(err, fs.ErrNotExist) {
		if it.known {
			return outcome{kind: resultDeleted, skew: skew}
		}
		return outcome{kind: resultUnchanged}
	}
	d.logger.Debug("path_requeued",
		slog.String("path", it.entry.Path),
		slog.String("error", cause.Error()))
	return outcome{kind: resultRequeued, skew: skew}
}

func inScope(path string, scope []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if path == s || strings.HasPrefix(path, s+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// EncodeDirty serializes a dirty set for DirtyStateKey.
func EncodeDirty(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	data, _ := json.Marshal(paths)
	return string(data)
}
