package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/reflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of InstanceStore and
// HistoryStore backed by maps. Non-durable; intended for tests and local
// development.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.OrchestrationInstance
	history   map[string][]api.HistoryEvent
	archived  map[string][]api.HistoryEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.OrchestrationInstance),
		history:   make(map[string][]api.HistoryEvent),
		archived:  make(map[string][]api.HistoryEvent),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ InstanceStore = (*InMemoryStore)(nil)

var _ HistoryStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveInstance(inst *api.OrchestrationInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateInstance(inst *api.OrchestrationInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetInstance(id string) (*api.OrchestrationInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(filter InstanceFilter) ([]*api.OrchestrationInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.OrchestrationInstance

	for _, inst := range s.instances {
		if filter.Name != "" && inst.Name != filter.Name {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	return result, nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[ev.InstanceID] = append(s.history[ev.InstanceID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[instanceID]
	out := make([]api.HistoryEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *InMemoryStore) ArchiveHistory(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.archived[instanceID] = append(s.archived[instanceID], s.history[instanceID]...)
	delete(s.history, instanceID)
	return nil
}

func (s *InMemoryStore) ListArchivedEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.archived[instanceID]
	out := make([]api.HistoryEvent, len(events))
	copy(out, events)
	return out, nil
}
