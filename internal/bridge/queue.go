package bridge

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO that evicts its oldest item when full. Close stops
// intake; items already queued can still be popped.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	closed  bool
	dropped uint64
	ready   chan struct{}
}

func NewQueue[T any](limit int) *Queue[T] {
	if limit <= 0 {
		limit = 1
	}
	return &Queue[T]{limit: limit, ready: make(chan struct{}, 1)}
}

// Push enqueues v and reports whether an older item was evicted to make
// room. Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(v T) (evicted bool, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if len(q.items) >= q.limit {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return evicted, true
}

// Pop blocks until an item is available, the queue is closed and empty, or
// ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		if v, ok, closed := q.take(); ok {
			return v, true
		} else if closed {
			return v, false
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-q.ready:
		}
	}
}

// TryPop returns the next item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	v, ok, _ := q.take()
	return v, ok
}

func (q *Queue[T]) take() (v T, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false, q.closed
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return v, true, false
}

func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
