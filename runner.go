package reflow

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petrijr/reflow/internal/taskqueue"
	"github.com/petrijr/reflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// Worker to provide a simple single-process runtime for development,
// debugging, and tests.
//
// Typical usage:
//
//	runner := reflow.NewLocalRunner()
//	_ = runner.Engine.RegisterOrchestration("Orchestrator", orchestratorFn)
//	_ = runner.Engine.RegisterActivity("BugExtractor", bugExtractorFn)
//
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.Engine.Start(ctx, "Orchestrator", nil)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory orchestration engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue shared by Engine and Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and
// queue.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithObserver(nil)
}

// NewLocalRunnerWithObserver is NewLocalRunner with the given Observer.
func NewLocalRunnerWithObserver(obs Observer) *LocalRunner {
	eng, q := NewInMemoryEngineWithObserver(obs)
	w, err := worker.New(eng, q)
	if err != nil {
		// Engines from this module always implement WorkerDirect.
		panic(err)
	}

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: w,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("reflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					// For local runner we treat cancellation as a clean shutdown signal.
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// For other errors, log and keep going so a single bad task
					// doesn't kill the worker loop.
					log.Printf("reflow: local runner worker error: %v", err)
					continue
				}
				if !processed {
					continue
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers, waits for them
// to exit, and stops the engine's in-process timers.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	_ = r.Engine.Close()
}
