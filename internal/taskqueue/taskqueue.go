package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeOrchestrate triggers one replay pass for an instance.
	TaskTypeOrchestrate TaskType = "orchestrate"

	// TaskTypeActivity executes a scheduled activity and records its
	// completion back into the instance's history.
	TaskTypeActivity TaskType = "activity"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// InstanceID is the orchestration instance this task belongs to.
	InstanceID string

	// For activity tasks: the scheduling position within the instance's
	// current execution, and the registered activity to invoke.
	TaskID       int
	ActivityName string

	// Generation is the instance's continue-as-new generation at enqueue
	// time. Completions whose generation no longer matches the instance
	// are discarded instead of being recorded into a newer execution.
	Generation int

	// Input is the activity input payload.
	Input any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
