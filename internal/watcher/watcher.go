package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/freshness/internal/changeset"
)

// Control marks raw events that change the rules rather than the content.
type Control int

const (
	// ControlNone is an ordinary file event.
	ControlNone Control = iota
	// ControlIgnoreChanged means a .gitignore file changed; tracked paths may
	// have appeared or disappeared without any content event.
	ControlIgnoreChanged
	// ControlConfigChanged means the project config file changed.
	ControlConfigChanged
)

// String returns a human-readable representation of the control kind.
func (c Control) String() string {
	switch c {
	case ControlIgnoreChanged:
		return "ignore_changed"
	case ControlConfigChanged:
		return "config_changed"
	default:
		return "none"
	}
}

// RawEvent is one filesystem notification after exclusion filtering.
type RawEvent struct {
	// Path is absolute and under the watched root.
	Path string
	// OldPath is the previous path for Renamed events.
	OldPath string
	Kind    changeset.Kind
	// IsDir is set for directory events. The batcher turns these into scoped
	// sweep requests since their children may not produce events of their own.
	IsDir     bool
	Control   Control
	Timestamp time.Time
}

// Source produces raw events for one workspace root.
type Source interface {
	// Start watches until Stop is called or ctx is cancelled.
	Start(ctx context.Context) error
	// Stop releases resources and closes the channels. Safe to call twice.
	Stop() error
	Events() <-chan RawEvent
	Errors() <-chan error
}

// Filter reports whether an absolute path is tracked.
type Filter func(path string, isDir bool) bool

// Options configures raw event sources.
type Options struct {
	// Root is the canonical workspace root.
	Root string

	// Filter drops excluded paths. Nil tracks everything under Root.
	Filter Filter

	// PollInterval is the interval for polling mode (fallback).
	// Default: 5s
	PollInterval time.Duration

	// ForcePolling skips fsnotify entirely (networked filesystems).
	ForcePolling bool

	// RenameWindow is how long a fsnotify rename waits for its create.
	// Default: 500ms
	RenameWindow time.Duration

	// EventBufferSize is the size of the event channel buffer.
	// Default: 4096
	EventBufferSize int

	// ConfigFiles are base names that produce ControlConfigChanged.
	ConfigFiles []string

	Logger *slog.Logger
}

// DefaultOptions returns the default source options.
func DefaultOptions() Options {
	return Options{
		PollInterval:    5 * time.Second,
		RenameWindow:    500 * time.Millisecond,
		EventBufferSize: 4096,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.PollInterval == 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.RenameWindow == 0 {
		o.RenameWindow = defaults.RenameWindow
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Filter == nil {
		o.Filter = func(string, bool) bool { return true }
	}
	return o
}
