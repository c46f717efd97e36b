package watcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Aman-CERP/freshness/internal/changeset"
)

// SignalKind distinguishes batcher output.
type SignalKind int

const (
	// SignalChangeSet carries a closed window's ChangeSet.
	SignalChangeSet SignalKind = iota + 1
	// SignalSweepRequested asks for a sweep, whole-workspace when Scope is empty.
	SignalSweepRequested
	// SignalHeartbeat is the fixed liveness tick.
	SignalHeartbeat
)

// String returns a human-readable representation of the signal kind.
func (k SignalKind) String() string {
	switch k {
	case SignalChangeSet:
		return "changeset"
	case SignalSweepRequested:
		return "sweep_requested"
	case SignalHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Sweep request reasons.
const (
	ReasonEventStorm = "event_storm"
	ReasonDirectory  = "directory_changed"
)

// Signal is one batcher output.
type Signal struct {
	Kind      SignalKind
	ChangeSet changeset.ChangeSet
	// LastEventAt is the newest event in the window.
	LastEventAt time.Time
	Reason      string
	Scope       []string
	// Events is the raw notification count of the window.
	Events int
	At     time.Time
}

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	// Debounce is the idle time that closes a window.
	Debounce time.Duration
	// MaxWindow caps a window under continuous activity. Zero disables the cap.
	MaxWindow time.Duration
	// StormThreshold is the notification count above which a window is
	// discarded in favor of one sweep request, emitted when the storm window
	// closes. Zero disables storm handling.
	StormThreshold    int
	MaxBatchSize      int
	HeartbeatInterval time.Duration
	// RenameWindow keeps a window open after a rename so the rest of an
	// atomic save lands in the same ChangeSet.
	RenameWindow time.Duration
	// OutputSize is the output channel buffer.
	OutputSize int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Batcher turns raw events into bounded, deduplicated ChangeSets, sweep
// requests and heartbeats. It never blocks on its consumer: signals that do
// not fit the output channel wait in a backlog reported by Pending.
type Batcher struct {
	opts   BatcherOptions
	logger *slog.Logger
	now    func() time.Time
	out    chan Signal

	mu          sync.Mutex
	builder     *changeset.Builder
	windowOpen  bool
	windowStart time.Time
	lastEvent   time.Time
	events      int
	storm       bool
	renames     map[string]time.Time
	scopes      map[string]struct{}
	sweepReason string

	lastHeartbeat time.Time
	backlog       []Signal
}

// NewBatcher creates a batcher. The heartbeat clock starts now.
func NewBatcher(opts BatcherOptions) *Batcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 200 * time.Millisecond
	}
	if opts.OutputSize <= 0 {
		opts.OutputSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Batcher{
		opts:          opts,
		logger:        logger,
		now:           opts.Now,
		out:           make(chan Signal, opts.OutputSize),
		builder:       changeset.NewBuilder(),
		renames:       make(map[string]time.Time),
		scopes:        make(map[string]struct{}),
		lastHeartbeat: opts.Now(),
	}
}

// Output returns the signal channel.
func (b *Batcher) Output() <-chan Signal {
	return b.out
}

// Add records one raw event.
func (b *Batcher) Add(ev RawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	at := ev.Timestamp
	if at.IsZero() {
		at = b.now()
	}
	if !b.windowOpen {
		b.windowOpen = true
		b.windowStart = at
	}
	b.events++
	if at.After(b.lastEvent) {
		b.lastEvent = at
	}

	if b.storm {
		return
	}
	if b.opts.StormThreshold > 0 && b.events > b.opts.StormThreshold {
		b.startStorm(at)
		return
	}

	switch {
	case ev.Control != ControlNone:
		b.sweepReason = ev.Control.String()
	case ev.IsDir:
		b.scopes[ev.Path] = struct{}{}
	default:
		if ev.Kind == changeset.Renamed {
			b.renames[ev.Path] = at
		}
		b.builder.Add(changeset.Change{Path: ev.Path, OldPath: ev.OldPath, Kind: ev.Kind})
	}
}

func (b *Batcher) startStorm(at time.Time) {
	b.storm = true
	discarded := b.builder.Len()
	b.builder = changeset.NewBuilder()
	b.renames = make(map[string]time.Time)
	b.scopes = make(map[string]struct{})
	b.sweepReason = ""

	b.logger.Warn("event_storm_detected",
		slog.Int("events", b.events),
		slog.Int("threshold", b.opts.StormThreshold),
		slog.Int("discarded_paths", discarded),
		slog.Time("at", at))
}

// Tick closes due windows, emits the heartbeat when due, and moves backlog
// into the output channel. Run calls it periodically; tests call it with a
// fake clock.
func (b *Batcher) Tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.HeartbeatInterval > 0 && now.Sub(b.lastHeartbeat) >= b.opts.HeartbeatInterval {
		b.lastHeartbeat = now
		b.enqueue(Signal{Kind: SignalHeartbeat, At: now})
	}

	if b.windowOpen {
		idle := now.Sub(b.lastEvent) >= b.opts.Debounce && b.renamesSettled(now)
		capped := !b.storm && b.opts.MaxWindow > 0 && now.Sub(b.windowStart) >= b.opts.MaxWindow
		if idle || capped {
			b.closeWindow(now)
		}
	}

	b.drain()
}

// Flush closes the open window regardless of timing.
func (b *Batcher) Flush(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windowOpen {
		b.closeWindow(now)
	}
	b.drain()
}

// Close flushes the window and returns every undelivered signal, including
// those buffered in the output channel, in order. The batcher must not be
// used afterwards.
func (b *Batcher) Close(now time.Time) []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windowOpen {
		b.closeWindow(now)
	}

	var out []Signal
drained:
	for {
		select {
		case sig := <-b.out:
			out = append(out, sig)
		default:
			break drained
		}
	}
	out = append(out, b.backlog...)
	b.backlog = nil
	return out
}

// Pending returns the number of undelivered signals plus open-window paths.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog) + len(b.out) + b.builder.Len()
}

func (b *Batcher) renamesSettled(now time.Time) bool {
	for _, at := range b.renames {
		if now.Sub(at) < b.opts.RenameWindow {
			return false
		}
	}
	return true
}

func (b *Batcher) closeWindow(now time.Time) {
	if b.storm {
		// The one sweep of the storm starts after its last event.
		b.logger.Info("event_storm_ended",
			slog.Int("events", b.events),
			slog.Duration("duration", b.lastEvent.Sub(b.windowStart)))
		b.enqueue(Signal{
			Kind:        SignalSweepRequested,
			Reason:      ReasonEventStorm,
			Events:      b.events,
			LastEventAt: b.lastEvent,
			At:          now,
		})
	} else {
		for _, cs := range b.builder.Build(changeset.SourceEvent, now, b.opts.MaxBatchSize) {
			b.enqueue(Signal{
				Kind:        SignalChangeSet,
				ChangeSet:   cs,
				LastEventAt: b.lastEvent,
				Events:      b.events,
				At:          now,
			})
		}
		switch {
		case b.sweepReason != "":
			b.enqueue(Signal{Kind: SignalSweepRequested, Reason: b.sweepReason, LastEventAt: b.lastEvent, At: now})
		case len(b.scopes) > 0:
			scope := make([]string, 0, len(b.scopes))
			for p := range b.scopes {
				scope = append(scope, p)
			}
			sort.Strings(scope)
			b.enqueue(Signal{Kind: SignalSweepRequested, Reason: ReasonDirectory, Scope: scope, LastEventAt: b.lastEvent, At: now})
		}
	}

	b.builder = changeset.NewBuilder()
	b.windowOpen = false
	b.events = 0
	b.storm = false
	b.renames = make(map[string]time.Time)
	b.scopes = make(map[string]struct{})
	b.sweepReason = ""
}

// enqueue appends to the backlog. A heartbeat replaces an undelivered one.
func (b *Batcher) enqueue(sig Signal) {
	if sig.Kind == SignalHeartbeat && len(b.backlog) > 0 && b.backlog[len(b.backlog)-1].Kind == SignalHeartbeat {
		b.backlog[len(b.backlog)-1] = sig
		return
	}
	b.backlog = append(b.backlog, sig)
}

func (b *Batcher) drain() {
	for len(b.backlog) > 0 {
		select {
		case b.out <- b.backlog[0]:
			b.backlog = b.backlog[1:]
		default:
			return
		}
	}
}

// Run feeds events from in and ticks until ctx is cancelled or in is closed.
func (b *Batcher) Run(ctx context.Context, in <-chan RawEvent) error {
	ticker := time.NewTicker(b.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				b.Flush(b.now())
				return nil
			}
			b.Add(ev)
		case <-ticker.C:
			b.Tick(b.now())
		}
	}
}

func (b *Batcher) tickInterval() time.Duration {
	interval := b.opts.Debounce
	for _, d := range []time.Duration{b.opts.RenameWindow, b.opts.HeartbeatInterval} {
		if d > 0 && d < interval {
			interval = d
		}
	}
	interval /= 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
