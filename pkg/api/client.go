package api

import (
	"context"
	"time"
)

// Client is the control-plane API for orchestration instances.
type Client interface {
	// Start creates a new Pending instance of the named orchestration,
	// seeds its history with a started event, schedules the first replay
	// pass and returns the generated instance ID immediately, without
	// waiting for any work to run.
	Start(ctx context.Context, orchestration string, input any) (string, error)

	// Terminate stops future scheduling for the instance and records the
	// reason. Already-dispatched activity executions are not aborted;
	// their results are discarded. Terminating an already-terminal
	// instance is a no-op that still succeeds. Unknown IDs return
	// ErrInstanceNotFound.
	Terminate(ctx context.Context, instanceID string, reason string) error

	// GetStatus is a point-in-time read of an instance. It never blocks
	// on in-flight work. Unknown IDs return ErrInstanceNotFound.
	GetStatus(ctx context.Context, instanceID string) (*OrchestrationInstance, error)

	// GetHistory returns the instance's current-execution history in
	// replay order. Pre-continue-as-new generations are excluded.
	GetHistory(ctx context.Context, instanceID string) ([]HistoryEvent, error)

	// ListInstances returns instances matching the given options.
	// Zero-valued options return all instances.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*OrchestrationInstance, error)

	// WaitForCompletion polls until the instance reaches a terminal
	// status or ctx is cancelled. Intended for tests and simple callers;
	// a continue-as-new loop never completes.
	WaitForCompletion(ctx context.Context, instanceID string, pollInterval time.Duration) (*OrchestrationInstance, error)
}

// Engine is the full engine API: the control plane plus registration.
//
// The registry is populated at startup, before workers run; registration is
// not safe to interleave with instance execution.
type Engine interface {
	Client

	// RegisterOrchestration registers orchestration logic under a name.
	RegisterOrchestration(name string, fn OrchestratorFunc) error

	// RegisterActivity registers an activity implementation under a name.
	RegisterActivity(name string, fn ActivityFunc) error

	// RecoverTimers restores in-process state after a restart: it re-arms
	// durable timers that had not fired, re-enqueues activity tasks whose
	// completion was never recorded, creates sub-orchestration children
	// that were scheduled but never started, and schedules a replay pass
	// for every non-terminal instance. Call it on startup, before starting
	// workers. It returns the number of timers re-armed.
	RecoverTimers(ctx context.Context) (int, error)

	// Close stops in-process timers. It does not touch persisted state.
	Close() error
}

// WorkerDirect is implemented by engines so workers can execute dequeued
// tasks without another round-trip through the queue.
type WorkerDirect interface {
	// RunInstance executes one replay pass for the instance: load history,
	// replay, persist and dispatch any newly scheduled actions. Passes for
	// the same instance are serialized; unrelated instances run
	// concurrently.
	RunInstance(ctx context.Context, instanceID string) error

	// ExecuteActivity runs the registered activity function. instanceID and
	// taskID identify the scheduled action being fulfilled; they are passed
	// through to observers.
	ExecuteActivity(ctx context.Context, instanceID string, taskID int, name string, input any) (any, error)

	// CompleteActivity records an activity outcome in the instance's
	// history and triggers the next replay pass. generation is the
	// instance generation the activity was scheduled under; completions
	// for terminal instances or for a superseded generation are
	// discarded.
	CompleteActivity(ctx context.Context, instanceID string, generation, taskID int, name string, result any, execErr error) error
}
