// Package serial provides a single-consumer task queue. Tasks submitted to
// one Queue run one at a time in submission order; separate queues run
// independently.
package serial

import (
	"context"
	"sync"
)

// Queue runs submitted tasks sequentially on a drain goroutine that exists
// only while work is pending.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	running bool
	closed  bool
	idle    chan struct{}
}

// New returns an empty, open queue.
func New() *Queue {
	return &Queue{}
}

// Do enqueues fn and returns immediately. It returns false, without
// enqueuing, once the queue has been closed.
func (q *Queue) Do(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, fn)
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	return true
}

// Run enqueues fn and waits for it to finish. It returns false when the
// queue is closed. If ctx ends first Run returns ctx.Err(); fn still runs
// in its turn.
func (q *Queue) Run(ctx context.Context, fn func()) (bool, error) {
	done := make(chan struct{})
	if !q.Do(func() {
		defer close(done)
		fn()
	}) {
		return false, nil
	}
	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}

// Close stops the queue from accepting new tasks. Tasks already pending
// still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of tasks waiting to run, excluding the one in
// flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the queue has no pending or running task, or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
