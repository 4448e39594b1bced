package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/reflow/internal/persistence"
	"github.com/petrijr/reflow/internal/taskqueue"
	"github.com/petrijr/reflow/pkg/api"
)

// drainUntil processes queued tasks inline until cond holds for the instance
// or the deadline passes. Timer callbacks enqueue from their own goroutine,
// so the loop keeps polling rather than assuming the queue drains once.
func drainUntil(t *testing.T, eng api.Engine, q taskqueue.Queue, instanceID string, cond func(*api.OrchestrationInstance) bool) *api.OrchestrationInstance {
	t.Helper()

	direct, ok := eng.(api.WorkerDirect)
	if !ok {
		t.Error("engine does not implement WorkerDirect")
		return nil
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := eng.GetStatus(context.Background(), instanceID)
		if err == nil && cond(inst) {
			return inst
		}

		ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		task, err := q.Dequeue(ctx)
		cancel()
		if err != nil || task == nil {
			continue
		}

		switch task.Type {
		case taskqueue.TaskTypeOrchestrate:
			if err := direct.RunInstance(context.Background(), task.InstanceID); err != nil {
				t.Errorf("RunInstance(%s): %v", task.InstanceID, err)
				return nil
			}
		case taskqueue.TaskTypeActivity:
			result, execErr := direct.ExecuteActivity(context.Background(), task.InstanceID, task.TaskID, task.ActivityName, task.Input)
			if err := direct.CompleteActivity(context.Background(), task.InstanceID, task.Generation, task.TaskID, task.ActivityName, result, execErr); err != nil {
				t.Errorf("CompleteActivity(%s/%d): %v", task.InstanceID, task.TaskID, err)
				return nil
			}
		}
	}

	inst, _ := eng.GetStatus(context.Background(), instanceID)
	t.Errorf("instance %s never reached expected state, last seen: %+v", instanceID, inst)
	return nil
}

func terminal(inst *api.OrchestrationInstance) bool { return inst.Status.Terminal() }

func TestStartUnknownOrchestration(t *testing.T) {
	eng, _ := NewInMemoryEngine()
	defer eng.Close()

	_, err := eng.Start(context.Background(), "NoSuchWorkflow", nil)
	if !errors.Is(err, api.ErrOrchestrationNotFound) {
		t.Fatalf("expected ErrOrchestrationNotFound, got %v", err)
	}
}

func TestGetStatusUnknownInstance(t *testing.T) {
	eng, _ := NewInMemoryEngine()
	defer eng.Close()

	_, err := eng.GetStatus(context.Background(), "ghost")
	if !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestStartReturnsBeforeAnyWorkRuns(t *testing.T) {
	eng, _ := NewInMemoryEngine()
	defer eng.Close()

	err := eng.RegisterOrchestration("Waiter", func(ctx api.OrchestrationContext, input any) (any, error) {
		_, err := ctx.CallActivity("Never", nil).Await()
		return nil, err
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := eng.Start(context.Background(), "Waiter", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty instance ID")
	}

	// No worker processed anything: still Pending with only the seed event.
	inst, err := eng.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != api.StatusPending {
		t.Fatalf("status = %s, want PENDING", inst.Status)
	}

	history, err := eng.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Type != api.EventOrchestratorStarted {
		t.Fatalf("unexpected seed history: %+v", history)
	}
}

func TestActivityResultFlowsBack(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterActivity("Double", func(ctx context.Context, input any) (any, error) {
		return input.(int) * 2, nil
	})
	eng.RegisterOrchestration("Doubler", func(ctx api.OrchestrationContext, input any) (any, error) {
		return ctx.CallActivity("Double", input).Await()
	})

	id, err := eng.Start(context.Background(), "Doubler", 21)
	if err != nil {
		t.Fatal(err)
	}

	inst := drainUntil(t, eng, q, id, terminal)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (err=%v)", inst.Status, inst.Err)
	}
	if inst.Output != 42 {
		t.Fatalf("output = %v, want 42", inst.Output)
	}
}

func TestSubOrchestrationFanOutFanIn(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	var bugRuns, cycleRuns atomic.Int32
	eng.RegisterActivity("BugExtractor", func(ctx context.Context, input any) (any, error) {
		bugRuns.Add(1)
		return "bugs", nil
	})
	eng.RegisterActivity("CycleExtractor", func(ctx context.Context, input any) (any, error) {
		cycleRuns.Add(1)
		return "cycles", nil
	})

	eng.RegisterOrchestration("ExtractOrchestrator", func(ctx api.OrchestrationContext, input any) (any, error) {
		bugs := ctx.CallActivity("BugExtractor", nil)
		cycles := ctx.CallActivity("CycleExtractor", nil)
		return ctx.WhenAll(bugs, cycles).Await()
	})
	eng.RegisterOrchestration("Root", func(ctx api.OrchestrationContext, input any) (any, error) {
		return ctx.CallSubOrchestration("ExtractOrchestrator", nil).Await()
	})

	id, err := eng.Start(context.Background(), "Root", nil)
	if err != nil {
		t.Fatal(err)
	}

	inst := drainUntil(t, eng, q, id, terminal)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (err=%v)", inst.Status, inst.Err)
	}

	results, ok := inst.Output.([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("unexpected output: %#v", inst.Output)
	}
	if results[0] != "bugs" || results[1] != "cycles" {
		t.Fatalf("fan-in results out of scheduling order: %v", results)
	}

	if bugRuns.Load() != 1 || cycleRuns.Load() != 1 {
		t.Fatalf("activities ran %d/%d times, want exactly once each", bugRuns.Load(), cycleRuns.Load())
	}
}

func TestSubOrchestrationFailurePropagates(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterOrchestration("Broken", func(ctx api.OrchestrationContext, input any) (any, error) {
		return nil, errors.New("child gave up")
	})
	eng.RegisterOrchestration("Parent", func(ctx api.OrchestrationContext, input any) (any, error) {
		_, err := ctx.CallSubOrchestration("Broken", nil).Await()
		if err != nil {
			return "handled: " + err.Error(), nil
		}
		return nil, errors.New("expected child failure")
	})

	id, err := eng.Start(context.Background(), "Parent", nil)
	if err != nil {
		t.Fatal(err)
	}

	inst := drainUntil(t, eng, q, id, terminal)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("parent should catch child failure, got %s (err=%v)", inst.Status, inst.Err)
	}
}

func TestUnhandledFaultFailsInstance(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterOrchestration("Faulty", func(ctx api.OrchestrationContext, input any) (any, error) {
		return nil, errors.New("unrecoverable")
	})

	id, err := eng.Start(context.Background(), "Faulty", nil)
	if err != nil {
		t.Fatal(err)
	}

	inst := drainUntil(t, eng, q, id, terminal)
	if inst.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", inst.Status)
	}
	if inst.Err == nil || inst.Err.Error() != "unrecoverable" {
		t.Fatalf("unexpected error: %v", inst.Err)
	}
}

func TestNondeterministicOrchestrationFails(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterActivity("Touch", func(ctx context.Context, input any) (any, error) {
		return nil, nil
	})

	// The activity name changes between passes, which is exactly the kind of
	// replay-visible nondeterminism the engine must refuse to run.
	var pass atomic.Int32
	eng.RegisterOrchestration("Unstable", func(ctx api.OrchestrationContext, input any) (any, error) {
		name := "Touch"
		if pass.Add(1) > 1 {
			name = "SomethingElse"
		}
		_, err := ctx.CallActivity(name, nil).Await()
		return nil, err
	})

	id, err := eng.Start(context.Background(), "Unstable", nil)
	if err != nil {
		t.Fatal(err)
	}

	inst := drainUntil(t, eng, q, id, terminal)
	if inst.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", inst.Status)
	}
	if !errors.Is(inst.Err, api.ErrNondeterminism) {
		t.Fatalf("expected ErrNondeterminism, got %v", inst.Err)
	}
}

func TestTerminateRecordsReasonAndIsIdempotent(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterOrchestration("Sleeper", func(ctx api.OrchestrationContext, input any) (any, error) {
		_, err := ctx.CreateTimer(ctx.CurrentTime().Add(time.Hour)).Await()
		return nil, err
	})

	id, err := eng.Start(context.Background(), "Sleeper", nil)
	if err != nil {
		t.Fatal(err)
	}

	drainUntil(t, eng, q, id, func(inst *api.OrchestrationInstance) bool {
		return inst.Status == api.StatusRunning
	})

	if err := eng.Terminate(context.Background(), id, "Stop command fires."); err != nil {
		t.Fatal(err)
	}

	inst, err := eng.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != api.StatusTerminated {
		t.Fatalf("status = %s, want TERMINATED", inst.Status)
	}
	if inst.Output != "Stop command fires." {
		t.Fatalf("reason not recorded as output: %v", inst.Output)
	}

	// Second terminate is a successful no-op.
	if err := eng.Terminate(context.Background(), id, "again"); err != nil {
		t.Fatalf("terminate on terminal instance: %v", err)
	}
	inst, _ = eng.GetStatus(context.Background(), id)
	if inst.Output != "Stop command fires." {
		t.Fatalf("second terminate overwrote reason: %v", inst.Output)
	}
}

func TestTerminateUnknownInstance(t *testing.T) {
	eng, _ := NewInMemoryEngine()
	defer eng.Close()

	err := eng.Terminate(context.Background(), "ghost", "why not")
	if !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestLateCompletionAfterTerminateIsDiscarded(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	eng.RegisterActivity("Slow", func(ctx context.Context, input any) (any, error) {
		close(started)
		<-release
		return "late result", nil
	})
	eng.RegisterOrchestration("SlowCaller", func(ctx api.OrchestrationContext, input any) (any, error) {
		return ctx.CallActivity("Slow", nil).Await()
	})

	id, err := eng.Start(context.Background(), "SlowCaller", nil)
	if err != nil {
		t.Fatal(err)
	}

	direct := eng.(api.WorkerDirect)

	// Process the first pass, then run the activity on its own goroutine so
	// it is in flight while we terminate.
	ctx := context.Background()
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := direct.RunInstance(ctx, task.InstanceID); err != nil {
		t.Fatal(err)
	}

	activityTask, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		result, execErr := direct.ExecuteActivity(ctx, activityTask.InstanceID, activityTask.TaskID, activityTask.ActivityName, activityTask.Input)
		done <- direct.CompleteActivity(ctx, activityTask.InstanceID, activityTask.Generation, activityTask.TaskID, activityTask.ActivityName, result, execErr)
	}()

	<-started
	if err := eng.Terminate(ctx, id, "stopping"); err != nil {
		t.Fatal(err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("late completion should be silently discarded, got %v", err)
	}

	inst, err := eng.GetStatus(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != api.StatusTerminated {
		t.Fatalf("late completion changed status to %s", inst.Status)
	}

	history, err := eng.GetHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range history {
		if ev.Type == api.EventActivityCompleted {
			t.Fatalf("late activity completion was recorded: %+v", ev)
		}
	}
}

func TestRecurringContinueAsNewResetsHistory(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterActivity("Tick", func(ctx context.Context, input any) (any, error) {
		return nil, nil
	})
	eng.RegisterOrchestration("Recurring", func(ctx api.OrchestrationContext, input any) (any, error) {
		cycle, _ := input.(int)
		if cycle >= 2 {
			return "done", nil
		}
		if _, err := ctx.CallActivity("Tick", nil).Await(); err != nil {
			return nil, err
		}
		if _, err := ctx.CreateTimer(ctx.CurrentTime().Add(10 * time.Millisecond)).Await(); err != nil {
			return nil, err
		}
		ctx.ContinueAsNew(cycle + 1)
		return nil, nil
	})

	id, err := eng.Start(context.Background(), "Recurring", 0)
	if err != nil {
		t.Fatal(err)
	}

	inst := drainUntil(t, eng, q, id, terminal)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (err=%v)", inst.Status, inst.Err)
	}
	if inst.Output != "done" {
		t.Fatalf("output = %v, want done", inst.Output)
	}
	if inst.Generation != 2 {
		t.Fatalf("generation = %d, want 2", inst.Generation)
	}

	// The final execution replayed against fresh history: exactly one started
	// event and nothing from earlier cycles.
	history, err := eng.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	startedCount := 0
	for _, ev := range history {
		if ev.Type == api.EventOrchestratorStarted {
			startedCount++
		}
		if ev.Type == api.EventActivityScheduled || ev.Type == api.EventTimerCreated {
			t.Fatalf("pre-reset event leaked into current history: %+v", ev)
		}
	}
	if startedCount != 1 {
		t.Fatalf("current history has %d started events, want 1", startedCount)
	}
}

func TestContinueAsNewArchivesPriorGenerations(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	q := taskqueue.NewInMemoryQueue(0)
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, History: mem},
		Queue:       q,
	})
	defer eng.Close()

	eng.RegisterOrchestration("OneShotLoop", func(ctx api.OrchestrationContext, input any) (any, error) {
		cycle, _ := input.(int)
		if cycle >= 1 {
			return nil, nil
		}
		ctx.ContinueAsNew(cycle + 1)
		return nil, nil
	})

	id, err := eng.Start(context.Background(), "OneShotLoop", 0)
	if err != nil {
		t.Fatal(err)
	}

	drainUntil(t, eng, q, id, terminal)

	archived, err := mem.ListArchivedEvents(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) == 0 {
		t.Fatal("pre-reset generation was not archived")
	}
	foundReset := false
	for _, ev := range archived {
		if ev.Type == api.EventContinuedAsNew {
			foundReset = true
		}
	}
	if !foundReset {
		t.Fatalf("archive is missing the continued-as-new marker: %+v", archived)
	}
}

func TestListInstancesFilters(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterOrchestration("Quick", func(ctx api.OrchestrationContext, input any) (any, error) {
		return nil, nil
	})
	eng.RegisterOrchestration("Waiting", func(ctx api.OrchestrationContext, input any) (any, error) {
		_, err := ctx.CreateTimer(ctx.CurrentTime().Add(time.Hour)).Await()
		return nil, err
	})

	quickID, err := eng.Start(context.Background(), "Quick", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Start(context.Background(), "Waiting", nil); err != nil {
		t.Fatal(err)
	}

	drainUntil(t, eng, q, quickID, terminal)

	all, err := eng.ListInstances(context.Background(), api.InstanceListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("listed %d instances, want 2", len(all))
	}

	completed, err := eng.ListInstances(context.Background(), api.InstanceListOptions{Status: api.StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].ID != quickID {
		t.Fatalf("status filter returned %+v", completed)
	}

	byName, err := eng.ListInstances(context.Background(), api.InstanceListOptions{Name: "Waiting"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byName) != 1 || byName[0].Name != "Waiting" {
		t.Fatalf("name filter returned %+v", byName)
	}
}

func TestWaitForCompletion(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterOrchestration("Quick", func(ctx api.OrchestrationContext, input any) (any, error) {
		return "ok", nil
	})

	id, err := eng.Start(context.Background(), "Quick", nil)
	if err != nil {
		t.Fatal(err)
	}

	go drainUntil(t, eng, q, id, terminal)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := eng.WaitForCompletion(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", inst.Status)
	}
}

func TestRecoverTimersAfterRestart(t *testing.T) {
	mem := persistence.NewInMemoryStore()

	waiting := func(ctx api.OrchestrationContext, input any) (any, error) {
		if _, err := ctx.CreateTimer(ctx.CurrentTime().Add(200 * time.Millisecond)).Await(); err != nil {
			return nil, err
		}
		return "woke", nil
	}

	// First process: schedule the timer, then stop before it fires.
	q1 := taskqueue.NewInMemoryQueue(0)
	eng1 := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, History: mem},
		Queue:       q1,
	})
	eng1.RegisterOrchestration("Waker", waiting)

	id, err := eng1.Start(context.Background(), "Waker", nil)
	if err != nil {
		t.Fatal(err)
	}
	drainUntil(t, eng1, q1, id, func(inst *api.OrchestrationInstance) bool {
		return inst.Status == api.StatusRunning
	})
	eng1.Close()

	// Second process: recover and let the timer fire.
	q2 := taskqueue.NewInMemoryQueue(0)
	eng2 := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, History: mem},
		Queue:       q2,
	})
	defer eng2.Close()
	eng2.RegisterOrchestration("Waker", waiting)

	rearmed, err := eng2.RecoverTimers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rearmed != 1 {
		t.Fatalf("rearmed %d timers, want 1", rearmed)
	}

	inst := drainUntil(t, eng2, q2, id, terminal)
	if inst.Status != api.StatusCompleted || inst.Output != "woke" {
		t.Fatalf("recovered instance finished as %s (out=%v, err=%v)", inst.Status, inst.Output, inst.Err)
	}
}

func TestStaleActivityCompletionAfterContinueAsNewDiscarded(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	eng.RegisterActivity("FireAndForget", func(ctx context.Context, input any) (any, error) {
		return "stale result", nil
	})

	// Schedules an activity it never awaits, then resets. The queued task
	// finishes against the fresh execution and must not land in its history.
	eng.RegisterOrchestration("Resetter", func(ctx api.OrchestrationContext, input any) (any, error) {
		cycle, _ := input.(int)
		if cycle >= 1 {
			return "done", nil
		}
		ctx.CallActivity("FireAndForget", nil)
		ctx.ContinueAsNew(cycle + 1)
		return nil, nil
	})

	id, err := eng.Start(context.Background(), "Resetter", 0)
	if err != nil {
		t.Fatal(err)
	}

	inst := drainUntil(t, eng, q, id, terminal)
	if inst.Status != api.StatusCompleted || inst.Output != "done" {
		t.Fatalf("finished as %s (out=%v, err=%v)", inst.Status, inst.Output, inst.Err)
	}
	if inst.Generation != 1 {
		t.Fatalf("generation = %d, want 1", inst.Generation)
	}

	history, err := eng.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range history {
		if ev.Type == api.EventActivityCompleted || ev.Type == api.EventActivityScheduled {
			t.Fatalf("pre-reset activity leaked into current history: %+v", ev)
		}
	}
}

func TestTimersCanceledOnContinueAsNew(t *testing.T) {
	eng, q := NewInMemoryEngine()
	defer eng.Close()

	// Generation 0 arms a short timer it never awaits and resets. Generation 1
	// then arms its own timer at the same scheduling position; only that one
	// may resolve it. A leaked timer from generation 0 would either fire into
	// the new history or block the re-arm of position 0 entirely.
	eng.RegisterOrchestration("TimerResetter", func(ctx api.OrchestrationContext, input any) (any, error) {
		cycle, _ := input.(int)
		if cycle >= 1 {
			if _, err := ctx.CreateTimer(ctx.CurrentTime().Add(150 * time.Millisecond)).Await(); err != nil {
				return nil, err
			}
			return "done", nil
		}
		ctx.CreateTimer(ctx.CurrentTime().Add(20 * time.Millisecond))
		ctx.ContinueAsNew(cycle + 1)
		return nil, nil
	})

	id, err := eng.Start(context.Background(), "TimerResetter", 0)
	if err != nil {
		t.Fatal(err)
	}

	inst := drainUntil(t, eng, q, id, terminal)
	if inst.Status != api.StatusCompleted || inst.Output != "done" {
		t.Fatalf("finished as %s (out=%v, err=%v)", inst.Status, inst.Output, inst.Err)
	}

	history, err := eng.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	fired := 0
	for _, ev := range history {
		if ev.Type == api.EventTimerFired {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("current history has %d fired timers, want exactly 1", fired)
	}
}

func TestRecoverStartsMissingChild(t *testing.T) {
	mem := persistence.NewInMemoryStore()

	// Simulate a crash between recording the child schedule and creating the
	// child: the parent's history names a sub-orchestration that was never
	// started.
	now := time.Now()
	parent := &api.OrchestrationInstance{
		ID:          "parent-1",
		Name:        "Parent",
		Status:      api.StatusRunning,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := mem.SaveInstance(parent); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := mem.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: "parent-1",
		At:         now,
		Type:       api.EventOrchestratorStarted,
		TaskID:     -1,
		Name:       "Parent",
	}); err != nil {
		t.Fatal(err)
	}
	if err := mem.AppendEvent(ctx, api.HistoryEvent{
		InstanceID: "parent-1",
		At:         now,
		Type:       api.EventSubOrchestrationScheduled,
		TaskID:     0,
		Name:       "Child",
	}); err != nil {
		t.Fatal(err)
	}

	q := taskqueue.NewInMemoryQueue(0)
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, History: mem},
		Queue:       q,
	})
	defer eng.Close()

	eng.RegisterOrchestration("Parent", func(ctx api.OrchestrationContext, input any) (any, error) {
		return ctx.CallSubOrchestration("Child", nil).Await()
	})
	eng.RegisterOrchestration("Child", func(ctx api.OrchestrationContext, input any) (any, error) {
		return "child-done", nil
	})

	if _, err := eng.RecoverTimers(ctx); err != nil {
		t.Fatal(err)
	}

	child, err := eng.GetStatus(ctx, "parent-1:0:0")
	if err != nil {
		t.Fatalf("child was not created during recovery: %v", err)
	}
	if child.ParentID != "parent-1" {
		t.Fatalf("child parent link = %q, want parent-1", child.ParentID)
	}

	inst := drainUntil(t, eng, q, "parent-1", terminal)
	if inst.Status != api.StatusCompleted || inst.Output != "child-done" {
		t.Fatalf("parent finished as %s (out=%v, err=%v)", inst.Status, inst.Output, inst.Err)
	}
}

type failingInstanceStore struct {
	persistence.InstanceStore
}

func (s *failingInstanceStore) SaveInstance(inst *api.OrchestrationInstance) error {
	return errors.New("save rejected")
}

type failingHistoryStore struct {
	persistence.HistoryStore
}

func (s *failingHistoryStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	return errors.New("append rejected")
}

func TestStartFailurePersistsNoPartialInstance(t *testing.T) {
	t.Run("instance save fails", func(t *testing.T) {
		mem := persistence.NewInMemoryStore()
		q := taskqueue.NewInMemoryQueue(0)
		eng := NewEngineWithConfig(Config{
			Persistence: persistence.Persistence{
				Instances: &failingInstanceStore{InstanceStore: mem},
				History:   mem,
			},
			Queue: q,
		})
		defer eng.Close()

		eng.RegisterOrchestration("Quick", func(ctx api.OrchestrationContext, input any) (any, error) {
			return nil, nil
		})

		if _, err := eng.Start(context.Background(), "Quick", nil); err == nil {
			t.Fatal("expected Start to surface the save failure")
		}
		listed, err := eng.ListInstances(context.Background(), api.InstanceListOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(listed) != 0 {
			t.Fatalf("half-created instance is visible: %+v", listed)
		}
		if q.Len() != 0 {
			t.Fatalf("a pass was enqueued for a failed start, queue len = %d", q.Len())
		}
	})

	t.Run("seed event append fails", func(t *testing.T) {
		mem := persistence.NewInMemoryStore()
		q := taskqueue.NewInMemoryQueue(0)
		eng := NewEngineWithConfig(Config{
			Persistence: persistence.Persistence{
				Instances: mem,
				History:   &failingHistoryStore{HistoryStore: mem},
			},
			Queue: q,
		})
		defer eng.Close()

		eng.RegisterOrchestration("Quick", func(ctx api.OrchestrationContext, input any) (any, error) {
			return nil, nil
		})

		if _, err := eng.Start(context.Background(), "Quick", nil); err == nil {
			t.Fatal("expected Start to surface the append failure")
		}
		listed, err := eng.ListInstances(context.Background(), api.InstanceListOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(listed) != 0 {
			t.Fatalf("instance saved without a seed event: %+v", listed)
		}
		if q.Len() != 0 {
			t.Fatalf("a pass was enqueued for a failed start, queue len = %d", q.Len())
		}
	})
}

func TestRegistryRejectsDuplicatesAndEmptyNames(t *testing.T) {
	eng, _ := NewInMemoryEngine()
	defer eng.Close()

	noop := func(ctx api.OrchestrationContext, input any) (any, error) { return nil, nil }

	if err := eng.RegisterOrchestration("Dup", noop); err != nil {
		t.Fatal(err)
	}
	if err := eng.RegisterOrchestration("Dup", noop); err == nil {
		t.Fatal("duplicate orchestration registration accepted")
	}
	if err := eng.RegisterOrchestration("", noop); err == nil {
		t.Fatal("empty orchestration name accepted")
	}

	act := func(ctx context.Context, input any) (any, error) { return nil, nil }
	if err := eng.RegisterActivity("Act", act); err != nil {
		t.Fatal(err)
	}
	if err := eng.RegisterActivity("Act", act); err == nil {
		t.Fatal("duplicate activity registration accepted")
	}
}
