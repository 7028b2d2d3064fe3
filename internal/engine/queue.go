package engine

import (
	"context"
	"sync"
)

// turnQueue serializes a session's turns in arrival order.
type turnQueue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

// acquire blocks until it is the caller's turn or ctx ends.
func (q *turnQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return ctx.Err()
			}
		}
		q.mu.Unlock()
		// The turn was handed over while ctx ended; pass it on.
		q.release()
		return ctx.Err()
	}
}

// release hands the turn to the next waiter.
func (q *turnQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		q.busy = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
