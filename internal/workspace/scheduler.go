package workspace

import (
	"sync"

	"github.com/Aman-CERP/freshness/internal/reconcile"
)

// rederiveQueue is the reconcile.Scheduler handed to the engine. Requests
// for a path already queued are merged; a full queue drops the request and
// counts it, since the next decay pass asks again.
type rederiveQueue struct {
	ch chan reconcile.Request

	mu      sync.Mutex
	pending map[string]bool
	dropped uint64
}

func newRederiveQueue(size int) *rederiveQueue {
	if size <= 0 {
		size = 256
	}
	return &rederiveQueue{
		ch:      make(chan reconcile.Request, size),
		pending: make(map[string]bool),
	}
}

// Schedule implements reconcile.Scheduler. It never blocks.
func (q *rederiveQueue) Schedule(req reconcile.Request) {
	key := req.Path
	if key == "" {
		key = "id:" + req.ArtifactID
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[key] {
		return
	}
	select {
	case q.ch <- req:
		q.pending[key] = true
	default:
		q.dropped++
	}
}

// done releases the dedup slot of a delivered request.
func (q *rederiveQueue) done(req reconcile.Request) {
	key := req.Path
	if key == "" {
		key = "id:" + req.ArtifactID
	}
	q.mu.Lock()
	delete(q.pending, key)
	q.mu.Unlock()
}

func (q *rederiveQueue) Len() int { return len(q.ch) }

func (q *rederiveQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
