package worker

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/reflow/internal/engine"
	"github.com/petrijr/reflow/pkg/api"
)

func TestWorkerProcessesOrchestrationToCompletion(t *testing.T) {
	eng, q := engine.NewInMemoryEngine()
	defer eng.Close()

	if err := eng.RegisterActivity("Echo", func(ctx context.Context, input any) (any, error) {
		return input, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := eng.RegisterOrchestration("EchoFlow", func(ctx api.OrchestrationContext, input any) (any, error) {
		return ctx.CallActivity("Echo", input).Await()
	}); err != nil {
		t.Fatal(err)
	}

	w, err := New(eng, q)
	if err != nil {
		t.Fatal(err)
	}

	id, err := eng.Start(context.Background(), "EchoFlow", "hello")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := eng.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Status.Terminal() {
			if inst.Status != api.StatusCompleted {
				t.Fatalf("status = %s, want COMPLETED (err=%v)", inst.Status, inst.Err)
			}
			if inst.Output != "hello" {
				t.Fatalf("output = %v, want hello", inst.Output)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		processed, err := w.ProcessOne(ctx)
		cancel()
		if !processed {
			continue
		}
		if err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
	}
	t.Fatal("orchestration never completed")
}

func TestWorkerDequeueCancellation(t *testing.T) {
	eng, q := engine.NewInMemoryEngine()
	defer eng.Close()

	w, err := New(eng, q)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	processed, err := w.ProcessOne(ctx)
	if processed {
		t.Fatal("processed a task from an empty queue")
	}
	if err == nil {
		t.Fatal("expected a context error from an empty queue")
	}
}
