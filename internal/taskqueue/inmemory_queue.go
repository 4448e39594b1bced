package taskqueue

import (
	"context"
)

// InMemoryQueue carries replay-pass and activity tasks over a buffered
// channel. Nothing survives a process restart; durable deployments pair the
// engine with SQLiteQueue, or rely on startup recovery to rebuild lost tasks
// from history. Safe for concurrent producers and consumers.
type InMemoryQueue struct {
	tasks chan Task
}

// NewInMemoryQueue creates a queue holding up to capacity tasks before
// Enqueue blocks. capacity <= 0 selects a default of 1024, plenty for tests
// and single-process deployments.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		tasks: make(chan Task, capacity),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.tasks:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.tasks)
}
