package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/reflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an orchestration instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Name   string
	Status api.Status
}

// InstanceStore handles storage of orchestration instance records.
type InstanceStore interface {
	SaveInstance(inst *api.OrchestrationInstance) error
	UpdateInstance(inst *api.OrchestrationInstance) error
	GetInstance(id string) (*api.OrchestrationInstance, error)
	ListInstances(filter InstanceFilter) ([]*api.OrchestrationInstance, error)
}

// HistoryStore is the append-only, per-instance ordered log of orchestration
// events. Events are immutable once written; the only mutation the engine
// ever performs is ArchiveHistory on continue-as-new.
type HistoryStore interface {
	// AppendEvent appends one event to the instance's current history.
	AppendEvent(ctx context.Context, ev api.HistoryEvent) error

	// ListEvents returns the instance's current-execution events in append
	// order. Archived generations are excluded.
	ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)

	// ArchiveHistory moves the instance's current events to the audit
	// archive so the next execution replays against empty history.
	ArchiveHistory(ctx context.Context, instanceID string) error

	// ListArchivedEvents returns events from pre-continue-as-new
	// generations, oldest first. Audit only; never used for replay.
	ListArchivedEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}

// Persistence bundles the stores an engine needs.
type Persistence struct {
	Instances InstanceStore
	History   HistoryStore
}
