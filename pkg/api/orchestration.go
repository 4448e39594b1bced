package api

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusTerminated     Status = "TERMINATED"
	StatusContinuedAsNew Status = "CONTINUED_AS_NEW"
)

// Terminal reports whether no further work will be scheduled for an
// instance in this status. ContinuedAsNew is transient, not terminal:
// the same instance restarts with fresh history.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// OrchestratorFunc is the orchestration logic for one orchestration name.
//
// It is re-executed from the beginning on every replay pass, so it must be
// deterministic: no wall-clock reads outside ctx.CurrentTime, no random
// values, no iteration over maps that feeds scheduling decisions, and no
// goroutines. All non-deterministic work belongs in activities.
type OrchestratorFunc func(ctx OrchestrationContext, input any) (any, error)

// ActivityFunc is a unit of external work invoked by an orchestration.
// It runs out-of-band on a worker and has no determinism constraints.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// OrchestrationContext is the only gateway an OrchestratorFunc has to the
// outside world. Every method that schedules work returns a Task handle;
// awaiting an unresolved Task suspends the current replay pass.
type OrchestrationContext interface {
	// InstanceID returns the ID of the instance being executed.
	InstanceID() string

	// CurrentTime returns a deterministic "now": the timestamp of the
	// started event of the current execution. It is stable across replays.
	CurrentTime() time.Time

	// IsReplaying reports whether execution is still consuming recorded
	// history. Useful to avoid duplicate side-band logging.
	IsReplaying() bool

	// CallActivity schedules the named activity with the given input.
	CallActivity(name string, input any) Task

	// CallSubOrchestration schedules the named orchestration as a child
	// instance. From the caller's point of view it behaves exactly like
	// an activity call.
	CallSubOrchestration(name string, input any) Task

	// CreateTimer schedules a durable timer that fires at or after the
	// absolute time fireAt.
	CreateTimer(fireAt time.Time) Task

	// WhenAll returns a Task that resolves once every given task has a
	// recorded completion. Results are returned in scheduling order,
	// regardless of the order completions arrived in.
	WhenAll(tasks ...Task) Task

	// ContinueAsNew ends the current execution and restarts the instance
	// with fresh, empty history and the given input. It does not return.
	ContinueAsNew(newInput any)
}

// Task is a handle to a scheduled action. It exists only within one replay
// pass; its durable identity is the Scheduled/Completed event pair.
type Task interface {
	// Await returns the recorded result once the matching completion event
	// is in history. If the completion is not recorded yet, Await suspends
	// the replay pass and the orchestrator is re-run when it arrives.
	// A failed activity or sub-orchestration surfaces here as a
	// *TaskFailure error, which orchestration logic may handle like any
	// other error.
	Await() (any, error)

	// Done reports whether a completion is already recorded for this task.
	Done() bool
}

// TaskFailure is the error delivered to an awaiting orchestration when an
// activity or sub-orchestration reports a failure.
type TaskFailure struct {
	Name    string
	Message string
}

func (f *TaskFailure) Error() string {
	return "task " + f.Name + " failed: " + f.Message
}

var (
	// ErrInstanceNotFound is returned for operations on an unknown instance ID.
	ErrInstanceNotFound = errors.New("orchestration instance not found")

	// ErrOrchestrationNotFound is returned when no orchestration is
	// registered under the requested name.
	ErrOrchestrationNotFound = errors.New("orchestration not registered")

	// ErrNondeterminism is the terminal error recorded when a replay pass
	// enumerates a scheduling call that does not match the event recorded
	// at the same position. The instance is marked FAILED rather than
	// silently corrupted.
	ErrNondeterminism = errors.New("orchestration replay diverged from recorded history")
)

// OrchestrationInstance is the durable record of one orchestration run.
type OrchestrationInstance struct {
	ID     string
	Name   string
	Status Status

	// Input is the payload of the current execution. Continue-as-new
	// replaces it along with the history.
	Input any

	// Output is set once the instance is terminal. For terminated
	// instances it holds the termination reason.
	Output any
	Err    error

	// Generation counts continue-as-new cycles, starting at 0.
	Generation int

	// ParentID and ParentTaskID link a sub-orchestration back to the
	// scheduling position in its parent. ParentGeneration pins that
	// position to the parent execution that scheduled the child, so a
	// child finishing after the parent continued-as-new is discarded
	// instead of completing an unrelated position. Empty/zero for root
	// instances.
	ParentID         string
	ParentTaskID     int
	ParentGeneration int

	CreatedAt   time.Time
	LastUpdated time.Time
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Name, if non-empty, limits results to instances of the given orchestration.
	Name string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}
