// Package queue provides the unbounded FIFO hand-off between the capture and
// transcription stages.
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Put once the end-of-stream marker is queued.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded, order-preserving FIFO safe for one producer and any
// number of consumers. Close enqueues the end-of-stream marker: consumers
// still receive every item put before it, then Get reports false.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

// New creates and returns an empty Queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends item without blocking and returns the depth after the append.
func (q *Queue[T]) Put(item T) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return len(q.items), ErrClosed
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return len(q.items), nil
}

// Close enqueues the end-of-stream marker. Only the first call has an
// effect; it reports whether this call was the one that closed the queue.
func (q *Queue[T]) Close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.closed = true
	q.cond.Broadcast()
	return true
}

// Get blocks until an item is available or the marker is reached. The
// boolean is false once the queue is closed and drained.
func (q *Queue[T]) Get() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of queued items, not counting the marker.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
