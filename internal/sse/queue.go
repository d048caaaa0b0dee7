package sse

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned when pushing to a closed Queue.
var ErrQueueClosed = errors.New("event queue closed")

// Queue hands events from any goroutine to the single goroutine that owns
// the response. Only that goroutine writes to the ResponseWriter.
type Queue struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewQueue returns a queue buffering up to size events.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Event, size), done: make(chan struct{})}
}

// Offer enqueues ev without blocking. It reports false when the queue is
// full or closed.
func (q *Queue) Offer(ev Event) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Push enqueues ev, waiting for room until ctx is done or the queue closes.
func (q *Queue) Push(ctx context.Context, ev Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is drained by the owning goroutine. It is never closed; select on
// Done as well.
func (q *Queue) Events() <-chan Event { return q.ch }

// Done is closed by Close.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Close stops the queue. Events still buffered are dropped. It is safe to
// call more than once.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}
