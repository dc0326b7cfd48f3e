// Package queue provides the bounded request queue feeding the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nyimbi/fetchkit/internal/fetch"
	"github.com/nyimbi/fetchkit/internal/telemetry"
)

// ErrClosed reports an enqueue against a queue that is shutting down.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory FIFO of fetch requests with context-aware
// operations. Dequeue drains remaining requests after Close, then reports
// fetch.ErrSourceClosed, so it plugs directly into fetch.Pool.
type Queue struct {
	ch      chan fetch.Request
	closeMu sync.Mutex
	closed  bool
}

// New constructs a queue holding at most capacity requests. Non-positive
// capacities fall back to 1024.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		ch: make(chan fetch.Request, capacity),
	}
}

// Enqueue pushes a request, blocking while the queue is full, or returns if
// the context ends. Producers must stop enqueueing before Close.
func (q *Queue) Enqueue(ctx context.Context, req fetch.Request) error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return ErrClosed
	}
	q.closeMu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		telemetry.SetQueueDepth(len(q.ch))
		return nil
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (fetch.Request, error) {
	select {
	case <-ctx.Done():
		return fetch.Request{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return fetch.Request{}, fetch.ErrSourceClosed
		}
		telemetry.SetQueueDepth(len(q.ch))
		return req, nil
	}
}

// Len reports the number of requests currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the queue for shutdown. Buffered requests remain dequeueable.
// Close is idempotent.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
