package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Aman-CERP/freshness/internal/changeset"
)

// PollingWatcher watches for file changes by periodically scanning the directory.
// Used as a fallback when fsnotify is not available or fails, and on
// networked filesystems where inotify sees nothing.
type PollingWatcher struct {
	opts      Options
	fileState map[string]fileSnapshot
	events    chan RawEvent
	errors    chan error
	stopCh    chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

var _ Source = (*PollingWatcher)(nil)

// NewPollingWatcher creates a new polling watcher.
func NewPollingWatcher(opts Options) *PollingWatcher {
	opts = opts.WithDefaults()
	return &PollingWatcher{
		opts:      opts,
		fileState: make(map[string]fileSnapshot),
		events:    make(chan RawEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}
}

// Start establishes a baseline and polls until ctx is cancelled or Stop is called.
func (p *PollingWatcher) Start(ctx context.Context) error {
	info, err := os.Stat(p.opts.Root)
	if err != nil {
		return fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root is not a directory: %s", p.opts.Root)
	}

	p.mu.Lock()
	p.fileState = p.snapshot()
	p.mu.Unlock()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.detectChanges()
		}
	}
}

// Stop stops the polling watcher.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}

	p.stopped = true
	close(p.stopCh)
	close(p.events)
	close(p.errors)
	return nil
}

// Events returns the channel of raw events.
func (p *PollingWatcher) Events() <-chan RawEvent {
	return p.events
}

// Errors returns the channel of errors.
func (p *PollingWatcher) Errors() <-chan error {
	return p.errors
}

// snapshot walks the tree and records tracked file state.
func (p *PollingWatcher) snapshot() map[string]fileSnapshot {
	state := make(map[string]fileSnapshot)
	_ = filepath.WalkDir(p.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if path == p.opts.Root {
			return nil
		}
		if d.IsDir() {
			if !p.opts.Filter(path, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !p.opts.Filter(path, false) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		state[path] = fileSnapshot{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	return state
}

// detectChanges compares current state with previous state and emits events.
func (p *PollingWatcher) detectChanges() {
	current := p.snapshot()
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for path, snap := range current {
		prev, exists := p.fileState[path]
		switch {
		case !exists:
			p.emitEvent(RawEvent{Path: path, Kind: changeset.Added, Timestamp: now})
		case !prev.modTime.Equal(snap.modTime) || prev.size != snap.size:
			p.emitEvent(RawEvent{Path: path, Kind: changeset.Modified, Timestamp: now})
		}
	}
	for path := range p.fileState {
		if _, exists := current[path]; !exists {
			p.emitEvent(RawEvent{Path: path, Kind: changeset.Deleted, Timestamp: now})
		}
	}

	p.fileState = current
}

// emitEvent sends an event to the events channel.
// Must be called with lock held.
func (p *PollingWatcher) emitEvent(event RawEvent) {
	if p.stopped {
		return
	}

	select {
	case p.events <- event:
	default:
		p.opts.Logger.Warn("polling watcher buffer full, dropping event",
			slog.String("path", event.Path),
			slog.String("kind", string(event.Kind)),
		)
	}
}
