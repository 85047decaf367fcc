// Package queue provides the unbounded FIFO used wherever meshcal buffers
// work between goroutines: pending share requests waiting for transport
// health, admitted actions waiting to be persisted, and per-subscriber
// delivery inside the in-process and relay networks.
package queue

import "sync"

// FIFO is a thread-safe unbounded first-in first-out queue.
//
// Producers never block. A consumer loop drains with TryDequeue and parks on
// Wait() between bursts, which lets it also select on ctx.Done():
//
//	for {
//	    for item, ok := q.TryDequeue(); ok; item, ok = q.TryDequeue() {
//	        handle(item)
//	    }
//	    select {
//	    case <-ctx.Done():
//	        return ctx.Err()
//	    case <-q.Wait():
//	    }
//	}
type FIFO[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1; closed on Close
}

// New creates an empty queue.
func New[T any]() *FIFO[T] {
	return &FIFO[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends item to the back of the queue.
// Returns false if the queue is closed.
func (q *FIFO[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)

	// Non-blocking: the size-1 buffer coalesces wakeups.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front item without blocking.
func (q *FIFO[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	// Clear the slot so the backing array does not pin the item.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return item, true
}

// Wait returns a channel that signals when items may be available.
// The channel is closed once the queue is closed.
func (q *FIFO[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *FIFO[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting items and wakes every waiter. Items already queued
// stay available to TryDequeue.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
