package api

import "time"

// EventType identifies an orchestration history event.
type EventType string

const (
	EventOrchestratorStarted   EventType = "orchestrator.started"
	EventOrchestratorCompleted EventType = "orchestrator.completed"

	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"

	EventTimerCreated EventType = "timer.created"
	EventTimerFired   EventType = "timer.fired"

	EventSubOrchestrationScheduled EventType = "suborchestration.scheduled"
	EventSubOrchestrationCompleted EventType = "suborchestration.completed"

	EventContinuedAsNew      EventType = "orchestrator.continued-as-new"
	EventExecutionTerminated EventType = "execution.terminated"
)

// HistoryEvent is one immutable record in an instance's append-only history.
// Replay reconstructs orchestration state exclusively from these records.
type HistoryEvent struct {
	InstanceID string
	At         time.Time
	Type       EventType

	// TaskID is the scheduling position this event belongs to. A scheduled
	// event records the position it was emitted at during execution; the
	// matching completion event carries the same ID, so replay associates
	// the pair by position rather than by arrival order. -1 for events that
	// are not tied to a scheduling position.
	TaskID int

	// Name is the activity or orchestration name for scheduled events.
	Name string

	// Input carries the payload for started/scheduled events; Result and
	// Error carry the outcome for completion events. Error is a plain
	// string so events stay gob-encodable across process restarts.
	Input  any
	Result any
	Error  string

	// FireAt is the absolute deadline for timer events. Timers are stored
	// as absolute points so replay never re-derives a drifting delay from
	// a moving "now".
	FireAt time.Time

	// Reason is set on termination events.
	Reason string
}

// Scheduled reports whether the event represents a scheduling intent that
// expects a matching completion event at the same TaskID.
func (e HistoryEvent) Scheduled() bool {
	switch e.Type {
	case EventActivityScheduled, EventTimerCreated, EventSubOrchestrationScheduled:
		return true
	}
	return false
}

// Completion reports whether the event resolves a previously scheduled task.
func (e HistoryEvent) Completion() bool {
	switch e.Type {
	case EventActivityCompleted, EventTimerFired, EventSubOrchestrationCompleted:
		return true
	}
	return false
}
