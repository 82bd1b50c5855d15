package client

import (
	"context"
	"errors"
	"sync"
)

// Priority orders queued work. Higher priorities dequeue first; within one
// priority admission is FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

const priorityLevels = 3

// ErrQueueClosed is returned when work is submitted after Close.
var ErrQueueClosed = errors.New("request queue is closed")

// RequestQueueManager bounds the number of concurrently running requests and
// prioritizes queued work. It is an admission-control layer for bulk and
// background operations, independent of the request manager's dedup queue.
type RequestQueueManager struct {
	limit int

	mu      sync.Mutex
	running int
	waiters [priorityLevels][]chan struct{}
	closed  bool
}

// NewRequestQueueManager creates a queue admitting at most limit concurrent
// requests. A non-positive limit falls back to 4.
func NewRequestQueueManager(limit int) *RequestQueueManager {
	if limit <= 0 {
		limit = 4
	}
	return &RequestQueueManager{limit: limit}
}

// Run acquires a slot, executes fn, and releases the slot. It blocks until a
// slot frees or ctx is done.
func (q *RequestQueueManager) Run(ctx context.Context, pri Priority, fn func(ctx context.Context) error) error {
	if err := q.Acquire(ctx, pri); err != nil {
		return err
	}
	defer q.Release()
	return fn(ctx)
}

// Acquire blocks until a slot is available. Callers must pair every
// successful Acquire with a Release.
func (q *RequestQueueManager) Acquire(ctx context.Context, pri Priority) error {
	if pri < PriorityLow || pri > PriorityHigh {
		pri = PriorityNormal
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.running < q.limit && !q.hasWaitersAbove(pri) {
		q.running++
		q.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	q.waiters[pri] = append(q.waiters[pri], grant)
	q.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		q.abandon(pri, grant)
		return ctx.Err()
	}
}

// Release frees a slot, granting it to the highest-priority waiter if any.
func (q *RequestQueueManager) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for pri := PriorityHigh; pri >= PriorityLow; pri-- {
		if len(q.waiters[pri]) > 0 {
			grant := q.waiters[pri][0]
			q.waiters[pri] = q.waiters[pri][1:]
			// Slot transfers directly to the waiter; running stays.
			close(grant)
			return
		}
	}
	if q.running > 0 {
		q.running--
	}
}

// Close rejects new work and wakes nothing; running work finishes normally.
func (q *RequestQueueManager) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Running returns the number of currently admitted requests.
func (q *RequestQueueManager) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Waiting returns the number of queued waiters across all priorities.
func (q *RequestQueueManager) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, w := range q.waiters {
		n += len(w)
	}
	return n
}

// hasWaitersAbove reports whether any waiter with priority >= pri is queued.
// Admitting around them would starve higher-priority work.
func (q *RequestQueueManager) hasWaitersAbove(pri Priority) bool {
	for p := pri; p <= PriorityHigh; p++ {
		if len(q.waiters[p]) > 0 {
			return true
		}
	}
	return false
}

// abandon removes a waiter after its context ended. If the grant already
// arrived the slot must be handed back.
func (q *RequestQueueManager) abandon(pri Priority, grant chan struct{}) {
	q.mu.Lock()
	for i, w := range q.waiters[pri] {
		if w == grant {
			q.waiters[pri] = append(q.waiters[pri][:i], q.waiters[pri][i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()

	// Not in the queue: the grant raced with cancellation. The slot was
	// transferred to us, so release it.
	q.Release()
}
