package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/reflow/pkg/api"
)

// registry maps orchestration and activity names to their logic. It is
// populated at startup and passed by reference into the engine; lookups at
// execution time are read-only.
type registry struct {
	mu             sync.RWMutex
	orchestrations map[string]api.OrchestratorFunc
	activities     map[string]api.ActivityFunc
}

func newRegistry() *registry {
	return &registry{
		orchestrations: make(map[string]api.OrchestratorFunc),
		activities:     make(map[string]api.ActivityFunc),
	}
}

func (r *registry) RegisterOrchestration(name string, fn api.OrchestratorFunc) error {
	if name == "" {
		return fmt.Errorf("orchestration name is required")
	}
	if fn == nil {
		return fmt.Errorf("orchestration %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orchestrations[name]; exists {
		return fmt.Errorf("orchestration already registered: %s", name)
	}
	r.orchestrations[name] = fn
	return nil
}

func (r *registry) RegisterActivity(name string, fn api.ActivityFunc) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity already registered: %s", name)
	}
	r.activities[name] = fn
	return nil
}

func (r *registry) Orchestration(name string) (api.OrchestratorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.orchestrations[name]
	return fn, ok
}

func (r *registry) Activity(name string) (api.ActivityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.activities[name]
	return fn, ok
}
