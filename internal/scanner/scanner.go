// Package scanner enumerates the tracked files of a workspace. A sweep uses
// the enumeration as the "what the workspace currently contains" side of the
// change detector; the watcher uses Tracked to drop events for excluded paths.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/freshness/internal/gitignore"
)

// ignoreCacheSize bounds the per-directory .gitignore matcher cache.
const ignoreCacheSize = 1000

// Entry is one tracked file as seen on disk.
type Entry struct {
	// Path is canonical: absolute and symlink-resolved.
	Path    string
	Rel     string
	Size    int64
	ModTime time.Time
}

// Options configures a Scanner.
type Options struct {
	Root             string
	Include          []string
	Exclude          []string
	RespectGitignore bool
	// FollowSymlinks includes symlinked files under their resolved path.
	FollowSymlinks bool
	Logger         *slog.Logger
}

// Scanner enumerates tracked files under one root.
type Scanner struct {
	root             string
	includes         *gitignore.Matcher
	excludes         *gitignore.Matcher
	respectGitignore bool
	followSymlinks   bool
	logger           *slog.Logger

	// ignoreCache maps a directory to its .gitignore matcher. Directories
	// without one map to an empty matcher.
	ignoreCache *lru.Cache[string, *gitignore.Matcher]
	cacheMu     sync.Mutex
}

// New creates a scanner. The root is canonicalized.
func New(opts Options) (*Scanner, error) {
	if opts.Root == "" {
		return nil, errors.New("scanner root is required")
	}
	root, err := Canonical(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", root)
	}

	cache, err := lru.New[string, *gitignore.Matcher](ignoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ignore cache: %w", err)
	}

	includes := gitignore.New()
	includes.AddAll(opts.Include)
	excludes := gitignore.New()
	excludes.AddAll(opts.Exclude)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{
		root:             root,
		includes:         includes,
		excludes:         excludes,
		respectGitignore: opts.RespectGitignore,
		followSymlinks:   opts.FollowSymlinks,
		logger:           logger,
		ignoreCache:      cache,
	}, nil
}

// Root returns the canonical workspace root.
func (s *Scanner) Root() string { return s.root }

// Scan enumerates every tracked file, keyed by canonical path.
func (s *Scanner) Scan(ctx context.Context) (map[string]Entry, error) {
	return s.ScanScope(ctx, nil)
}

// ScanScope enumerates tracked files under the given paths (files or
// directories, absolute or relative to the root). An empty scope is the
// whole workspace.
func (s *Scanner) ScanScope(ctx context.Context, scope []string) (map[string]Entry, error) {
	out := make(map[string]Entry)
	if len(scope) == 0 {
		return out, s.walk(ctx, s.root, out)
	}

	for _, p := range scope {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(s.root, p)
		}
		abs, err := Canonical(abs)
		if err != nil {
			return nil, err
		}
		if !s.within(abs) {
			return nil, fmt.Errorf("scope %s is outside the workspace %s", p, s.root)
		}
		info, err := os.Stat(abs)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat scope %s: %w", p, err)
		}
		if !info.IsDir() {
			if e, ok, err := s.Stat(abs); err != nil {
				return nil, err
			} else if ok {
				out[e.Path] = e
			}
			continue
		}
		if err := s.walk(ctx, abs, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Scanner) walk(ctx context.Context, start string, out map[string]Entry) error {
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			// Unreadable directories are skipped, not fatal; the detector
			// handles unreadable files separately.
			s.logger.Debug("scan_skip_unreadable", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil || rel == "." {
			return nil
		}

		if d.IsDir() {
			if !s.Tracked(path, true) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if !s.followSymlinks {
				return nil
			}
			if e, ok, statErr := s.Stat(path); statErr == nil && ok {
				out[e.Path] = e
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.Tracked(path, false) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		out[path] = Entry{Path: path, Rel: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", start, err)
	}
	return nil
}

// Stat returns the entry for one path, and false when the path is absent,
// not a regular file, or not tracked.
func (s *Scanner) Stat(path string) (Entry, bool, error) {
	canon, err := Canonical(path)
	if err != nil {
		return Entry{}, false, err
	}
	if !s.within(canon) || !s.Tracked(canon, false) {
		return Entry{}, false, nil
	}
	info, err := os.Stat(canon)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if !info.Mode().IsRegular() {
		return Entry{}, false, nil
	}
	rel, _ := filepath.Rel(s.root, canon)
	return Entry{Path: canon, Rel: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

// Tracked reports whether an absolute path falls under the include/exclude
// rules and is not gitignored. Directories are only checked against
// excludes and ignore files; include patterns apply to files.
func (s *Scanner) Tracked(path string, isDir bool) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)

	if isDir {
		if s.excludes.MatchDir(rel) {
			return false
		}
		return !s.respectGitignore || !s.ignored(rel, true)
	}

	if s.excludes.Match(rel, false) {
		return false
	}
	if s.includes.Len() > 0 && !s.includes.Match(rel, false) {
		return false
	}
	return !s.respectGitignore || !s.ignored(rel, false)
}

// ignored checks rel against the root .gitignore and every ancestor's.
func (s *Scanner) ignored(rel string, isDir bool) bool {
	if s.ignoreMatcher(s.root, "").Match(rel, isDir) {
		return true
	}
	parts := strings.Split(rel, "/")
	dir, base := s.root, ""
	for _, part := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, part)
		if base == "" {
			base = part
		} else {
			base = base + "/" + part
		}
		if s.ignoreMatcher(dir, base).Match(rel, isDir) {
			return true
		}
	}
	return false
}

func (s *Scanner) ignoreMatcher(dir, base string) *gitignore.Matcher {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if m, ok := s.ignoreCache.Get(dir); ok {
		return m
	}
	m := gitignore.New()
	file := filepath.Join(dir, gitignore.FileName)
	if _, err := os.Stat(file); err == nil {
		if err := m.AddFile(file, base); err != nil {
			s.logger.Warn("ignore_file_unreadable", slog.String("path", file), slog.String("error", err.Error()))
		}
	}
	s.ignoreCache.Add(dir, m)
	return m
}

// InvalidateIgnoreCache drops cached .gitignore matchers. Call it when a
// .gitignore file changes.
func (s *Scanner) InvalidateIgnoreCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.ignoreCache.Purge()
}

// IgnoreDigest returns the digest of all .gitignore files in the workspace,
// or "" when gitignore rules are disabled.
func (s *Scanner) IgnoreDigest() (string, error) {
	if !s.respectGitignore {
		return "", nil
	}
	m, err := gitignore.Load(s.root)
	if err != nil {
		return "", err
	}
	return m.Digest(), nil
}

func (s *Scanner) within(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(filepath.Separator))
}

// Canonical returns the absolute, symlink-resolved form of path. Paths that no
// longer exist are resolved through their nearest existing ancestor, so a
// deleted file keeps the same canonical path it had while present.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to resolve %s: %w", abs, err)
	}

	parent, name := filepath.Split(abs)
	parent = filepath.Clean(parent)
	if parent == abs {
		return abs, nil
	}
	resolvedParent, err := Canonical(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, name), nil
}
