package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aman-CERP/freshness/internal/changeset"
	"github.com/Aman-CERP/freshness/internal/gitignore"
)

// HybridWatcher implements Source using fsnotify as the primary watching
// mechanism with polling as a fallback. It falls back when fsnotify cannot be
// created or when adding watches fails (typically the inotify watch limit).
type HybridWatcher struct {
	opts        Options
	fsWatcher   *fsnotify.Watcher
	pollWatcher *PollingWatcher
	useFsnotify atomic.Bool

	events chan RawEvent
	errors chan error
	stopCh chan struct{}

	mu      sync.RWMutex
	stopped bool

	// dirs holds the directories under watch, so removals of directories
	// (which can no longer be stat'ed) are recognized.
	dirs   map[string]struct{}
	dirsMu sync.Mutex

	rename   *pendingRename
	renameMu sync.Mutex

	droppedEvents atomic.Uint64
}

type pendingRename struct {
	path  string
	at    time.Time
	timer *time.Timer
}

var _ Source = (*HybridWatcher)(nil)

// NewHybridWatcher creates a new hybrid watcher with the given options.
func NewHybridWatcher(opts Options) (*HybridWatcher, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("watch root is required")
	}
	opts = opts.WithDefaults()

	h := &HybridWatcher{
		opts:   opts,
		events: make(chan RawEvent, opts.EventBufferSize),
		errors: make(chan error, 10),
		stopCh: make(chan struct{}),
		dirs:   make(map[string]struct{}),
	}

	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			h.fsWatcher = fsw
			h.useFsnotify.Store(true)
		} else {
			opts.Logger.Warn("fsnotify_unavailable", slog.String("error", err.Error()))
		}
	}
	if !h.useFsnotify.Load() {
		h.pollWatcher = NewPollingWatcher(opts)
	}
	return h, nil
}

// Start begins watching the root. It blocks until ctx is cancelled or Stop
// is called.
func (h *HybridWatcher) Start(ctx context.Context) error {
	info, err := os.Stat(h.opts.Root)
	if err != nil {
		return fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root is not a directory: %s", h.opts.Root)
	}

	if h.useFsnotify.Load() {
		if err := h.addRecursive(h.opts.Root); err != nil {
			h.opts.Logger.Warn("fsnotify_watch_failed_falling_back_to_polling",
				slog.String("root", h.opts.Root),
				slog.String("error", err.Error()))
			_ = h.fsWatcher.Close()
			h.useFsnotify.Store(false)
			h.mu.Lock()
			h.pollWatcher = NewPollingWatcher(h.opts)
			h.mu.Unlock()
		} else {
			return h.runFsnotify(ctx)
		}
	}
	return h.runPolling(ctx)
}

func (h *HybridWatcher) runFsnotify(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			_ = h.Stop()
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case event, ok := <-h.fsWatcher.Events:
			if !ok {
				return nil
			}
			h.handleFsnotifyEvent(event)
		case err, ok := <-h.fsWatcher.Errors:
			if !ok {
				return nil
			}
			h.emitError(err)
		}
	}
}

func (h *HybridWatcher) runPolling(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case event, ok := <-h.pollWatcher.Events():
				if !ok {
					return
				}
				h.emit(event)
			case err, ok := <-h.pollWatcher.Errors():
				if !ok {
					return
				}
				h.emitError(err)
			}
		}
	}()

	return h.pollWatcher.Start(ctx)
}

// handleFsnotifyEvent converts, pairs and filters fsnotify events.
func (h *HybridWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	path := event.Name
	now := time.Now()

	isDir := false
	info, statErr := os.Lstat(path)
	if statErr == nil {
		isDir = info.IsDir()
	}
	wasDir := h.isWatchedDir(path)

	switch {
	case event.Op&fsnotify.Create != 0:
		if isDir {
			if !h.opts.Filter(path, true) {
				return
			}
			if err := h.addRecursive(path); err != nil {
				h.emitError(fmt.Errorf("watch new directory %s: %w", path, err))
			}
			h.emit(RawEvent{Path: path, Kind: changeset.Added, IsDir: true, Timestamp: now})
			return
		}
		if old, ok := h.takeRename(now); ok {
			h.emitRename(old, path, now)
			return
		}
		h.emitFile(RawEvent{Path: path, Kind: changeset.Added, Timestamp: now})

	case event.Op&fsnotify.Write != 0:
		if isDir {
			return
		}
		h.emitFile(RawEvent{Path: path, Kind: changeset.Modified, Timestamp: now})

	case event.Op&fsnotify.Remove != 0:
		if wasDir {
			h.forgetDir(path)
			h.emit(RawEvent{Path: path, Kind: changeset.Deleted, IsDir: true, Timestamp: now})
			return
		}
		h.emitFile(RawEvent{Path: path, Kind: changeset.Deleted, Timestamp: now})

	case event.Op&fsnotify.Rename != 0:
		if wasDir {
			h.forgetDir(path)
			h.emit(RawEvent{Path: path, Kind: changeset.Deleted, IsDir: true, Timestamp: now})
			return
		}
		if statErr == nil {
			// Renamed onto this name; the file is here.
			h.emitFile(RawEvent{Path: path, Kind: changeset.Modified, Timestamp: now})
			return
		}
		h.holdRename(path, now)

	default:
		// Chmod carries no content change.
	}
}

// holdRename waits RenameWindow for the create that completes a rename.
func (h *HybridWatcher) holdRename(path string, now time.Time) {
	h.renameMu.Lock()
	prev := h.rename
	h.rename = &pendingRename{path: path, at: now}
	h.rename.timer = time.AfterFunc(h.opts.RenameWindow, h.flushRename)
	h.renameMu.Unlock()

	if prev != nil {
		prev.timer.Stop()
		h.emitFile(RawEvent{Path: prev.path, Kind: changeset.Deleted, Timestamp: prev.at})
	}
}

func (h *HybridWatcher) takeRename(now time.Time) (string, bool) {
	h.renameMu.Lock()
	defer h.renameMu.Unlock()
	if h.rename == nil || now.Sub(h.rename.at) > h.opts.RenameWindow {
		return "", false
	}
	h.rename.timer.Stop()
	old := h.rename.path
	h.rename = nil
	return old, true
}

// flushRename releases an unpaired rename as a deletion.
func (h *HybridWatcher) flushRename() {
	h.renameMu.Lock()
	r := h.rename
	h.rename = nil
	h.renameMu.Unlock()
	if r != nil {
		h.emitFile(RawEvent{Path: r.path, Kind: changeset.Deleted, Timestamp: r.at})
	}
}

func (h *HybridWatcher) emitRename(oldPath, newPath string, now time.Time) {
	oldTracked := h.opts.Filter(oldPath, false)
	newTracked := h.opts.Filter(newPath, false)
	switch {
	case oldTracked && newTracked:
		h.emit(RawEvent{Path: newPath, OldPath: oldPath, Kind: changeset.Renamed, Timestamp: now})
	case newTracked:
		// Atomic save through an excluded temp file.
		h.emit(RawEvent{Path: newPath, Kind: changeset.Added, Timestamp: now})
	case oldTracked:
		h.emit(RawEvent{Path: oldPath, Kind: changeset.Deleted, Timestamp: now})
	}
}

// emitFile filters a file event and emits it.
func (h *HybridWatcher) emitFile(ev RawEvent) {
	if !h.opts.Filter(ev.Path, false) {
		return
	}
	h.emit(ev)
}

// emit classifies control files and sends the event.
func (h *HybridWatcher) emit(ev RawEvent) {
	if !ev.IsDir {
		base := filepath.Base(ev.Path)
		switch {
		case base == gitignore.FileName:
			h.send(RawEvent{Path: ev.Path, Kind: ev.Kind, Control: ControlIgnoreChanged, Timestamp: ev.Timestamp})
		case slices.Contains(h.opts.ConfigFiles, base):
			h.send(RawEvent{Path: ev.Path, Kind: ev.Kind, Control: ControlConfigChanged, Timestamp: ev.Timestamp})
			return
		}
	}
	h.send(ev)
}

func (h *HybridWatcher) send(ev RawEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}

	select {
	case h.events <- ev:
	default:
		// The batcher is not draining; a sweep recovers what is lost here.
		count := h.droppedEvents.Add(1)
		h.opts.Logger.Warn("event buffer full, dropping event",
			slog.String("path", ev.Path),
			slog.Uint64("total_dropped_events", count))
	}
}

// addRecursive adds all tracked directories under root to the fsnotify watcher.
func (h *HybridWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != h.opts.Root && !h.opts.Filter(path, true) {
			return filepath.SkipDir
		}
		if err := h.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("add watch %s: %w", path, err)
		}
		h.dirsMu.Lock()
		h.dirs[path] = struct{}{}
		h.dirsMu.Unlock()
		return nil
	})
}

func (h *HybridWatcher) isWatchedDir(path string) bool {
	h.dirsMu.Lock()
	defer h.dirsMu.Unlock()
	_, ok := h.dirs[path]
	return ok
}

func (h *HybridWatcher) forgetDir(path string) {
	h.dirsMu.Lock()
	defer h.dirsMu.Unlock()
	prefix := path + string(filepath.Separator)
	for d := range h.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			delete(h.dirs, d)
		}
	}
}

// emitError sends an error to the error channel.
func (h *HybridWatcher) emitError(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}

	select {
	case h.errors <- err:
	default:
	}
}

// Stop stops the watcher and releases resources.
func (h *HybridWatcher) Stop() error {
	h.renameMu.Lock()
	if h.rename != nil {
		h.rename.timer.Stop()
		h.rename = nil
	}
	h.renameMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}

	h.stopped = true
	close(h.stopCh)

	if h.fsWatcher != nil {
		_ = h.fsWatcher.Close()
	}
	if h.pollWatcher != nil {
		_ = h.pollWatcher.Stop()
	}

	close(h.events)
	close(h.errors)
	return nil
}

// Events returns the channel of raw events.
func (h *HybridWatcher) Events() <-chan RawEvent {
	return h.events
}

// Errors returns the channel of errors.
func (h *HybridWatcher) Errors() <-chan error {
	return h.errors
}

// DroppedEvents returns the number of events dropped due to buffer overflow.
func (h *HybridWatcher) DroppedEvents() uint64 {
	return h.droppedEvents.Load()
}

// WatcherType returns the type of watcher being used ("fsnotify" or "polling").
func (h *HybridWatcher) WatcherType() string {
	if h.useFsnotify.Load() {
		return "fsnotify"
	}
	return "polling"
}
