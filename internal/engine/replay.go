package engine

import (
	"fmt"
	"time"

	"github.com/petrijr/reflow/pkg/api"
)

// scheduledAction is a scheduling intent emitted during a replay pass that
// has no counterpart in recorded history yet. The scheduler persists it as a
// Scheduled event and dispatches it; from then on it exists only as history.
type scheduledAction struct {
	TaskID int
	Type   api.EventType
	Name   string
	Input  any
	FireAt time.Time
}

type outcomeKind int

const (
	outcomeSuspended outcomeKind = iota
	outcomeCompleted
	outcomeFailed
	outcomeContinuedAsNew
)

// replayOutcome is the result of running orchestration logic against history
// until it completes, faults, continues-as-new, or suspends on an
// unresolved task.
type replayOutcome struct {
	kind     outcomeKind
	output   any
	err      error
	newInput any
}

// Sentinels thrown by the execution context to unwind the orchestrator's
// stack at a suspension point. Recovered in runOrchestrator; they never
// escape the replay pass.
type suspendSignal struct{}

type continueAsNewSignal struct{ newInput any }

// execContext implements api.OrchestrationContext for one replay pass.
//
// Scheduling calls are numbered in call order; position i is matched against
// the Scheduled event recorded with TaskID i, which is how replay stays
// deterministic regardless of completion arrival order.
type execContext struct {
	instanceID string
	input      any
	startedAt  time.Time

	nextTaskID int
	maxTaskID  int // highest TaskID present in history, -1 if none

	scheduled map[int]api.HistoryEvent
	completed map[int]api.HistoryEvent

	actions []scheduledAction
}

var _ api.OrchestrationContext = (*execContext)(nil)

func newExecContext(instanceID string, input any, history []api.HistoryEvent) *execContext {
	c := &execContext{
		instanceID: instanceID,
		input:      input,
		maxTaskID:  -1,
		scheduled:  make(map[int]api.HistoryEvent),
		completed:  make(map[int]api.HistoryEvent),
	}

	for _, ev := range history {
		switch {
		case ev.Type == api.EventOrchestratorStarted:
			c.startedAt = ev.At
			if c.input == nil {
				c.input = ev.Input
			}
		case ev.Scheduled():
			c.scheduled[ev.TaskID] = ev
			if ev.TaskID > c.maxTaskID {
				c.maxTaskID = ev.TaskID
			}
		case ev.Completion():
			c.completed[ev.TaskID] = ev
		}
	}

	return c
}

func (c *execContext) InstanceID() string { return c.instanceID }

func (c *execContext) CurrentTime() time.Time { return c.startedAt }

func (c *execContext) IsReplaying() bool { return c.nextTaskID <= c.maxTaskID }

func (c *execContext) CallActivity(name string, input any) api.Task {
	id := c.claim(api.EventActivityScheduled, name)
	if _, recorded := c.scheduled[id]; !recorded {
		c.actions = append(c.actions, scheduledAction{
			TaskID: id,
			Type:   api.EventActivityScheduled,
			Name:   name,
			Input:  input,
		})
	}
	return c.taskFor(id, name)
}

func (c *execContext) CallSubOrchestration(name string, input any) api.Task {
	id := c.claim(api.EventSubOrchestrationScheduled, name)
	if _, recorded := c.scheduled[id]; !recorded {
		c.actions = append(c.actions, scheduledAction{
			TaskID: id,
			Type:   api.EventSubOrchestrationScheduled,
			Name:   name,
			Input:  input,
		})
	}
	return c.taskFor(id, name)
}

func (c *execContext) CreateTimer(fireAt time.Time) api.Task {
	id := c.claim(api.EventTimerCreated, "")
	if _, recorded := c.scheduled[id]; !recorded {
		c.actions = append(c.actions, scheduledAction{
			TaskID: id,
			Type:   api.EventTimerCreated,
			FireAt: fireAt,
		})
	}
	return c.taskFor(id, "timer")
}

// claim assigns the next scheduling position and verifies it against
// recorded history. A mismatch means the orchestration logic did not
// enumerate the same calls as the execution that produced the history;
// continuing would corrupt the instance, so the pass is aborted.
func (c *execContext) claim(eventType api.EventType, name string) int {
	id := c.nextTaskID
	c.nextTaskID++

	if ev, ok := c.scheduled[id]; ok {
		if ev.Type != eventType || ev.Name != name {
			panic(&nondeterminismError{
				position: id,
				recorded: fmt.Sprintf("%s %q", ev.Type, ev.Name),
				replayed: fmt.Sprintf("%s %q", eventType, name),
			})
		}
	}
	return id
}

func (c *execContext) taskFor(id int, name string) api.Task {
	if ev, ok := c.completed[id]; ok {
		t := &task{done: true, result: ev.Result}
		if ev.Error != "" {
			t.err = &api.TaskFailure{Name: name, Message: ev.Error}
		}
		return t
	}
	return &task{}
}

func (c *execContext) WhenAll(tasks ...api.Task) api.Task {
	return &joinTask{tasks: tasks}
}

func (c *execContext) ContinueAsNew(newInput any) {
	panic(continueAsNewSignal{newInput: newInput})
}

// task is the handle for a single scheduled action within one replay pass.
type task struct {
	done   bool
	result any
	err    error
}

func (t *task) Done() bool { return t.done }

func (t *task) Await() (any, error) {
	if !t.done {
		panic(suspendSignal{})
	}
	return t.result, t.err
}

// joinTask is the fan-in barrier over multiple tasks. It resolves only when
// every task has a recorded completion; awaiting earlier suspends the pass.
type joinTask struct {
	tasks []api.Task
}

func (j *joinTask) Done() bool {
	for _, t := range j.tasks {
		if !t.Done() {
			return false
		}
	}
	return true
}

func (j *joinTask) Await() (any, error) {
	if !j.Done() {
		panic(suspendSignal{})
	}

	results := make([]any, len(j.tasks))
	var firstErr error
	for i, t := range j.tasks {
		r, err := t.Await()
		results[i] = r
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

type nondeterminismError struct {
	position int
	recorded string
	replayed string
}

func (e *nondeterminismError) Error() string {
	return fmt.Sprintf("nondeterministic orchestration: position %d recorded %s but replay produced %s",
		e.position, e.recorded, e.replayed)
}

func (e *nondeterminismError) Unwrap() error { return api.ErrNondeterminism }

// replayOrchestration re-executes fn from the beginning against the recorded
// history and returns the newly emitted scheduling intents plus the pass
// outcome. It is a pure function of (history, input): no side effects happen
// here, only intent recording.
func replayOrchestration(fn api.OrchestratorFunc, instanceID string, input any, history []api.HistoryEvent) ([]scheduledAction, replayOutcome) {
	ctx := newExecContext(instanceID, input, history)
	outcome := runOrchestrator(fn, ctx)
	return ctx.actions, outcome
}

func runOrchestrator(fn api.OrchestratorFunc, ctx *execContext) (out replayOutcome) {
	defer func() {
		if r := recover(); r != nil {
			switch s := r.(type) {
			case suspendSignal:
				out = replayOutcome{kind: outcomeSuspended}
			case continueAsNewSignal:
				out = replayOutcome{kind: outcomeContinuedAsNew, newInput: s.newInput}
			case *nondeterminismError:
				out = replayOutcome{kind: outcomeFailed, err: s}
			default:
				out = replayOutcome{kind: outcomeFailed, err: fmt.Errorf("orchestration panic: %v", r)}
			}
		}
	}()

	output, err := fn(ctx, ctx.input)
	if err != nil {
		return replayOutcome{kind: outcomeFailed, err: err}
	}
	return replayOutcome{kind: outcomeCompleted, output: output}
}
