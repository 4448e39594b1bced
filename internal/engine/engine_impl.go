package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/reflow/internal/persistence"
	"github.com/petrijr/reflow/internal/taskqueue"
	"github.com/petrijr/reflow/pkg/api"
)

// engineImpl drives orchestration instances: it owns no orchestration state
// itself, only the machinery that replays history, persists new events, and
// dispatches scheduled actions to the queue and timer service.
type engineImpl struct {
	registry  *registry
	instances persistence.InstanceStore
	history   persistence.HistoryStore
	queue     taskqueue.Queue
	timers    *timerService
	observer  api.Observer

	locks instanceLocks
}

// Config describes how to construct an engineImpl.
// Only used inside this package; external callers use the helper functions.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
}

// NewInMemoryEngine returns an engine backed entirely by in-memory stores
// and an in-memory queue. Non-durable; for tests and local development.
func NewInMemoryEngine() (api.Engine, taskqueue.Queue) {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver is NewInMemoryEngine with the given Observer.
func NewInMemoryEngineWithObserver(obs api.Observer) (api.Engine, taskqueue.Queue) {
	mem := persistence.NewInMemoryStore()
	q := taskqueue.NewInMemoryQueue(0)
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, History: mem},
		Queue:       q,
		Observer:    obs,
	})
	return eng, q
}

// NewSQLiteEngine returns an engine that persists instances, history and the
// task queue in the given SQLite database.
func NewSQLiteEngine(db *sql.DB) (api.Engine, taskqueue.Queue, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver is NewSQLiteEngine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, taskqueue.Queue, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, nil, err
	}
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: store, History: store},
		Queue:       q,
		Observer:    obs,
	})
	return eng, q, nil
}

// NewRedisEngine returns an engine that persists instances and history in
// Redis. The task queue stays in-memory; after a restart, RecoverTimers
// re-arms timers and pending instances are re-enqueued from their history.
func NewRedisEngine(client *redis.Client) (api.Engine, taskqueue.Queue) {
	return NewRedisEngineWithObserver(client, nil)
}

// NewRedisEngineWithObserver is NewRedisEngine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs api.Observer) (api.Engine, taskqueue.Queue) {
	store := persistence.NewRedisStore(client, "reflow:")
	q := taskqueue.NewInMemoryQueue(0)
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: store, History: store},
		Queue:       q,
		Observer:    obs,
	})
	return eng, q
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	e := &engineImpl{
		registry:  newRegistry(),
		instances: cfg.Persistence.Instances,
		history:   cfg.Persistence.History,
		queue:     cfg.Queue,
		observer:  obs,
	}
	e.timers = newTimerService(e.onTimerFired)
	return e
}

var (
	_ api.Engine       = (*engineImpl)(nil)
	_ api.WorkerDirect = (*engineImpl)(nil)
)

func (e *engineImpl) RegisterOrchestration(name string, fn api.OrchestratorFunc) error {
	return e.registry.RegisterOrchestration(name, fn)
}

func (e *engineImpl) RegisterActivity(name string, fn api.ActivityFunc) error {
	return e.registry.RegisterActivity(name, fn)
}

func (e *engineImpl) Close() error {
	e.timers.Stop()
	return nil
}

// Start creates a Pending root instance and schedules its first replay pass.
func (e *engineImpl) Start(ctx context.Context, orchestration string, input any) (string, error) {
	if _, ok := e.registry.Orchestration(orchestration); !ok {
		return "", fmt.Errorf("%w: %s", api.ErrOrchestrationNotFound, orchestration)
	}
	id := uuid.NewString()
	if err := e.startInstance(ctx, id, orchestration, input, "", 0, 0); err != nil {
		return "", err
	}
	return id, nil
}

func (e *engineImpl) startInstance(ctx context.Context, id, orchestration string, input any, parentID string, parentGeneration, parentTaskID int) error {
	now := time.Now()
	inst := &api.OrchestrationInstance{
		ID:               id,
		Name:             orchestration,
		Status:           api.StatusPending,
		Input:            input,
		ParentID:         parentID,
		ParentTaskID:     parentTaskID,
		ParentGeneration: parentGeneration,
		CreatedAt:        now,
		LastUpdated:      now,
	}

	// Seed the history before the instance record becomes visible. If the
	// save below fails, the orphaned event is unreachable (the ID is never
	// handed out) and no half-created instance exists.
	if err := e.history.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: id,
		At:         now,
		Type:       api.EventOrchestratorStarted,
		TaskID:     -1,
		Name:       orchestration,
		Input:      input,
	}); err != nil {
		return err
	}
	if err := e.instances.SaveInstance(inst); err != nil {
		return err
	}

	e.observer.OnOrchestrationStart(ctx, inst)

	// If the enqueue fails the instance is still consistent: Pending with a
	// seeded history, picked up by the next RecoverTimers.
	return e.enqueuePass(ctx, id)
}

func (e *engineImpl) enqueuePass(ctx context.Context, instanceID string) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeOrchestrate,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
	})
}

func (e *engineImpl) GetStatus(ctx context.Context, instanceID string) (*api.OrchestrationInstance, error) {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, instanceID)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) GetHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	if _, err := e.GetStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.history.ListEvents(ctx, instanceID)
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.OrchestrationInstance, error) {
	filter := persistence.InstanceFilter{
		Name:   opts.Name,
		Status: opts.Status,
	}
	return e.instances.ListInstances(filter)
}

// Terminate appends a termination directive and stops future scheduling.
// Idempotent on terminal instances: the second call is a successful no-op.
func (e *engineImpl) Terminate(ctx context.Context, instanceID string, reason string) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	inst, err := e.GetStatus(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	if err := e.history.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: instanceID,
		At:         time.Now(),
		Type:       api.EventExecutionTerminated,
		TaskID:     -1,
		Reason:     reason,
	}); err != nil {
		return err
	}

	inst.Status = api.StatusTerminated
	inst.Output = reason
	inst.LastUpdated = time.Now()
	if err := e.instances.UpdateInstance(inst); err != nil {
		return err
	}

	e.timers.Cancel(instanceID)
	e.observer.OnOrchestrationTerminated(ctx, inst, reason)

	e.notifyParent(ctx, inst)
	return nil
}

func (e *engineImpl) WaitForCompletion(ctx context.Context, instanceID string, pollInterval time.Duration) (*api.OrchestrationInstance, error) {
	if pollInterval <= 0 {
		pollInterval = 25 * time.Millisecond
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		inst, err := e.GetStatus(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunInstance executes one replay pass. Passes for the same instance are
// serialized; unrelated instances replay concurrently.
func (e *engineImpl) RunInstance(ctx context.Context, instanceID string) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	inst, err := e.GetStatus(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		// A completion raced a terminate; discard.
		return nil
	}

	fn, ok := e.registry.Orchestration(inst.Name)
	if !ok {
		return e.failInstance(ctx, inst, fmt.Errorf("%w: %s", api.ErrOrchestrationNotFound, inst.Name))
	}

	history, err := e.history.ListEvents(ctx, instanceID)
	if err != nil {
		return err
	}

	if inst.Status == api.StatusPending {
		inst.Status = api.StatusRunning
		inst.LastUpdated = time.Now()
		if err := e.instances.UpdateInstance(inst); err != nil {
			return err
		}
	}

	actions, outcome := replayOrchestration(fn, instanceID, inst.Input, history)

	for _, action := range actions {
		if err := e.dispatch(ctx, inst, action); err != nil {
			return err
		}
	}

	switch outcome.kind {
	case outcomeSuspended:
		return nil
	case outcomeCompleted:
		return e.completeInstance(ctx, inst, outcome.output)
	case outcomeFailed:
		return e.failInstance(ctx, inst, outcome.err)
	case outcomeContinuedAsNew:
		return e.continueAsNew(ctx, inst, outcome.newInput)
	}
	return nil
}

// dispatch persists a scheduling intent as a Scheduled event and hands it to
// its executor: the activity queue, the timer service, or a child instance.
func (e *engineImpl) dispatch(ctx context.Context, inst *api.OrchestrationInstance, action scheduledAction) error {
	ev := api.HistoryEvent{
		InstanceID: inst.ID,
		At:         time.Now(),
		Type:       action.Type,
		TaskID:     action.TaskID,
		Name:       action.Name,
		Input:      action.Input,
		FireAt:     action.FireAt,
	}
	if err := e.history.AppendEvent(ctx, ev); err != nil {
		return err
	}

	switch action.Type {
	case api.EventActivityScheduled:
		return e.queue.Enqueue(ctx, taskqueue.Task{
			Type:         taskqueue.TaskTypeActivity,
			InstanceID:   inst.ID,
			TaskID:       action.TaskID,
			ActivityName: action.Name,
			Generation:   inst.Generation,
			Input:        action.Input,
			EnqueuedAt:   time.Now(),
		})

	case api.EventTimerCreated:
		e.timers.Schedule(inst.ID, inst.Generation, action.TaskID, action.FireAt)
		return nil

	case api.EventSubOrchestrationScheduled:
		childID := childInstanceID(inst, action.TaskID)
		if _, err := e.instances.GetInstance(childID); err == nil {
			// Already created by an earlier pass.
			return nil
		}
		if _, ok := e.registry.Orchestration(action.Name); !ok {
			return e.completeSubOrchestration(ctx, inst.ID, inst.Generation, action.TaskID, action.Name, nil,
				fmt.Errorf("%w: %s", api.ErrOrchestrationNotFound, action.Name))
		}
		return e.startInstance(ctx, childID, action.Name, action.Input, inst.ID, inst.Generation, action.TaskID)
	}
	return nil
}

// childInstanceID derives a stable child ID from the parent's identity, its
// continue-as-new generation, and the scheduling position, so a crashed and
// re-run dispatch does not spawn a second child.
func childInstanceID(parent *api.OrchestrationInstance, taskID int) string {
	return fmt.Sprintf("%s:%d:%d", parent.ID, parent.Generation, taskID)
}

func (e *engineImpl) completeInstance(ctx context.Context, inst *api.OrchestrationInstance, output any) error {
	if err := e.history.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: inst.ID,
		At:         time.Now(),
		Type:       api.EventOrchestratorCompleted,
		TaskID:     -1,
		Result:     output,
	}); err != nil {
		return err
	}

	inst.Status = api.StatusCompleted
	inst.Output = output
	inst.LastUpdated = time.Now()
	if err := e.instances.UpdateInstance(inst); err != nil {
		return err
	}

	e.observer.OnOrchestrationCompleted(ctx, inst)
	e.notifyParent(ctx, inst)
	return nil
}

func (e *engineImpl) failInstance(ctx context.Context, inst *api.OrchestrationInstance, cause error) error {
	if err := e.history.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: inst.ID,
		At:         time.Now(),
		Type:       api.EventOrchestratorCompleted,
		TaskID:     -1,
		Error:      cause.Error(),
	}); err != nil {
		return err
	}

	inst.Status = api.StatusFailed
	inst.Err = cause
	inst.LastUpdated = time.Now()
	if err := e.instances.UpdateInstance(inst); err != nil {
		return err
	}

	e.observer.OnOrchestrationFailed(ctx, inst, cause)
	e.notifyParent(ctx, inst)
	return nil
}

// continueAsNew archives the current history and restarts the instance as a
// fresh Pending execution under the same ID with the new input. The archived
// generations remain readable for audit but are excluded from replay.
func (e *engineImpl) continueAsNew(ctx context.Context, inst *api.OrchestrationInstance, newInput any) error {
	now := time.Now()
	if err := e.history.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: inst.ID,
		At:         now,
		Type:       api.EventContinuedAsNew,
		TaskID:     -1,
		Input:      newInput,
	}); err != nil {
		return err
	}

	inst.Status = api.StatusContinuedAsNew
	inst.LastUpdated = now
	if err := e.instances.UpdateInstance(inst); err != nil {
		return err
	}

	// Timers armed by the old execution must not fire into the new one.
	// In-flight activity and child results are fenced by the generation
	// checks in CompleteActivity and completeSubOrchestration.
	e.timers.Cancel(inst.ID)

	if err := e.history.ArchiveHistory(ctx, inst.ID); err != nil {
		return err
	}

	inst.Status = api.StatusPending
	inst.Input = newInput
	inst.Generation++
	inst.LastUpdated = time.Now()
	if err := e.instances.UpdateInstance(inst); err != nil {
		return err
	}

	if err := e.history.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: inst.ID,
		At:         time.Now(),
		Type:       api.EventOrchestratorStarted,
		TaskID:     -1,
		Name:       inst.Name,
		Input:      newInput,
	}); err != nil {
		return err
	}

	e.observer.OnContinuedAsNew(ctx, inst)
	return e.enqueuePass(ctx, inst.ID)
}

// notifyParent records a sub-orchestration completion in the parent's
// history once a child reaches a terminal status.
func (e *engineImpl) notifyParent(ctx context.Context, child *api.OrchestrationInstance) {
	if child.ParentID == "" {
		return
	}

	var execErr error
	switch child.Status {
	case api.StatusFailed:
		execErr = child.Err
	case api.StatusTerminated:
		execErr = fmt.Errorf("sub-orchestration terminated: %v", child.Output)
	}

	// Best-effort: a missing or already-terminal parent discards the result.
	_ = e.completeSubOrchestration(ctx, child.ParentID, child.ParentGeneration, child.ParentTaskID, child.Name, child.Output, execErr)
}

func (e *engineImpl) completeSubOrchestration(ctx context.Context, parentID string, parentGeneration, taskID int, name string, result any, execErr error) error {
	parent, err := e.GetStatus(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}
	if parent.Generation != parentGeneration {
		// The parent continued-as-new since this child was scheduled; the
		// taskID refers to a position in an archived execution.
		return nil
	}

	ev := api.HistoryEvent{
		InstanceID: parentID,
		At:         time.Now(),
		Type:       api.EventSubOrchestrationCompleted,
		TaskID:     taskID,
		Name:       name,
		Result:     result,
	}
	if execErr != nil {
		ev.Error = execErr.Error()
	}
	if err := e.history.AppendEvent(ctx, ev); err != nil {
		return err
	}
	return e.enqueuePass(ctx, parentID)
}

// ExecuteActivity runs the registered activity function on behalf of a worker.
func (e *engineImpl) ExecuteActivity(ctx context.Context, instanceID string, taskID int, name string, input any) (any, error) {
	fn, ok := e.registry.Activity(name)
	if !ok {
		return nil, fmt.Errorf("activity not registered: %s", name)
	}

	e.observer.OnActivityStart(ctx, instanceID, name, taskID)
	start := time.Now()

	result, err := fn(ctx, input)

	e.observer.OnActivityCompleted(ctx, instanceID, name, taskID, err, time.Since(start))
	return result, err
}

// CompleteActivity records an activity outcome and triggers the next replay
// pass. Completions for terminal instances, or scheduled under a generation
// that has since continued-as-new, are discarded.
func (e *engineImpl) CompleteActivity(ctx context.Context, instanceID string, generation, taskID int, name string, result any, execErr error) error {
	unlock := e.locks.lock(instanceID)

	inst, err := e.GetStatus(ctx, instanceID)
	if err != nil {
		unlock()
		return err
	}
	if inst.Status.Terminal() || inst.Generation != generation {
		unlock()
		return nil
	}

	ev := api.HistoryEvent{
		InstanceID: instanceID,
		At:         time.Now(),
		Type:       api.EventActivityCompleted,
		TaskID:     taskID,
		Name:       name,
		Result:     result,
	}
	if execErr != nil {
		ev.Error = execErr.Error()
	}
	if err := e.history.AppendEvent(ctx, ev); err != nil {
		unlock()
		return err
	}
	unlock()

	return e.enqueuePass(ctx, instanceID)
}

// onTimerFired is the timer service callback: record the fired event and
// trigger a replay pass. Fired timers of terminal instances, or armed by a
// superseded generation, are discarded.
func (e *engineImpl) onTimerFired(instanceID string, generation, taskID int) {
	ctx := context.Background()

	unlock := e.locks.lock(instanceID)

	inst, err := e.GetStatus(ctx, instanceID)
	if err != nil || inst.Status.Terminal() || inst.Generation != generation {
		unlock()
		return
	}

	if err := e.history.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: instanceID,
		At:         time.Now(),
		Type:       api.EventTimerFired,
		TaskID:     taskID,
	}); err != nil {
		unlock()
		return
	}
	unlock()

	e.observer.OnTimerFired(ctx, instanceID, taskID)
	_ = e.enqueuePass(ctx, instanceID)
}

// RecoverTimers restores the in-process side of durable state after a
// restart: it re-arms timers that were created but had not fired, re-enqueues
// activity tasks whose completion was never recorded, creates
// sub-orchestration children that were scheduled but never started, and
// schedules a replay pass for every non-terminal instance. Replay is
// idempotent against recorded history, so an extra pass is harmless. Call on
// startup, before starting workers. It returns the number of timers re-armed.
func (e *engineImpl) RecoverTimers(ctx context.Context) (int, error) {
	instances, err := e.instances.ListInstances(persistence.InstanceFilter{})
	if err != nil {
		return 0, err
	}

	rearmed := 0
	for _, inst := range instances {
		if inst.Status.Terminal() {
			continue
		}

		history, err := e.history.ListEvents(ctx, inst.ID)
		if err != nil {
			return rearmed, err
		}

		done := make(map[int]bool)
		for _, ev := range history {
			if ev.Completion() {
				done[ev.TaskID] = true
			}
		}
		for _, ev := range history {
			if done[ev.TaskID] {
				continue
			}
			switch ev.Type {
			case api.EventTimerCreated:
				e.timers.Schedule(inst.ID, inst.Generation, ev.TaskID, ev.FireAt)
				rearmed++
			case api.EventActivityScheduled:
				// The queued task may have been lost with the process.
				// Workers executing it twice is safe: the second completion
				// arrives for an already-completed position and the replay
				// simply never awaits it again.
				err := e.queue.Enqueue(ctx, taskqueue.Task{
					Type:         taskqueue.TaskTypeActivity,
					InstanceID:   inst.ID,
					TaskID:       ev.TaskID,
					ActivityName: ev.Name,
					Generation:   inst.Generation,
					Input:        ev.Input,
					EnqueuedAt:   time.Now(),
				})
				if err != nil {
					return rearmed, err
				}
			case api.EventSubOrchestrationScheduled:
				// A crash between recording the schedule and creating the
				// child leaves the parent waiting on a child that does not
				// exist. Create it now; if it does exist its own recovery
				// entry drives it to completion.
				childID := childInstanceID(inst, ev.TaskID)
				if _, err := e.instances.GetInstance(childID); err == nil {
					continue
				} else if !errors.Is(err, persistence.ErrInstanceNotFound) {
					return rearmed, err
				}
				if _, ok := e.registry.Orchestration(ev.Name); !ok {
					continue
				}
				if err := e.startInstance(ctx, childID, ev.Name, ev.Input, inst.ID, inst.Generation, ev.TaskID); err != nil {
					return rearmed, err
				}
			}
		}

		if err := e.enqueuePass(ctx, inst.ID); err != nil {
			return rearmed, err
		}
	}
	return rearmed, nil
}

// instanceLocks serializes replay passes per instance ID. Entries are never
// removed; the map is bounded by the number of known instances.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *instanceLocks) lock(instanceID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m := l.locks[instanceID]
	if m == nil {
		m = &sync.Mutex{}
		l.locks[instanceID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
