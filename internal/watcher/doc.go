// Package watcher turns filesystem notifications into work for the
// reconciliation engine.
//
// Raw events come from a Source:
//   - Primary: fsnotify for efficient event-based watching
//   - Fallback: polling when fsnotify fails (watch limits, network mounts, Docker volumes)
//
// Sources drop excluded paths and pair fsnotify rename/create into rename
// events. The Batcher then closes debounce windows into bounded ChangeSets,
// replaces event storms with a single sweep request, and emits a heartbeat on
// a fixed interval whether or not anything changed.
//
// Usage:
//
//	src, err := watcher.NewHybridWatcher(watcher.Options{Root: root, Filter: sc.Tracked})
//	if err != nil {
//	    return err
//	}
//	defer src.Stop()
//	go src.Start(ctx)
//
//	b := watcher.NewBatcher(watcher.BatcherOptions{Debounce: 200 * time.Millisecond})
//	go b.Run(ctx, src.Events())
//
//	for sig := range b.Output() {
//	    switch sig.Kind {
//	    case watcher.SignalChangeSet:
//	        // Apply sig.ChangeSet
//	    case watcher.SignalSweepRequested:
//	        // Sweep sig.Scope
//	    case watcher.SignalHeartbeat:
//	        // Persist liveness
//	    }
//	}
package watcher
