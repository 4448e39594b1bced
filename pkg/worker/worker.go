package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/reflow/internal/taskqueue"
	"github.com/petrijr/reflow/pkg/api"
)

// Worker pulls tasks from a Queue and executes them against an Engine:
// orchestrate tasks become replay passes, activity tasks run the registered
// activity function and feed the outcome back into the instance's history.
type Worker struct {
	engine api.WorkerDirect
	queue  taskqueue.Queue
}

// New creates a new Worker. The engine must implement api.WorkerDirect,
// which every engine constructed by this module does.
func New(engine api.Engine, queue taskqueue.Queue) (*Worker, error) {
	direct, ok := engine.(api.WorkerDirect)
	if !ok {
		return nil, errors.New("engine does not support direct worker execution")
	}
	return &Worker{
		engine: direct,
		queue:  queue,
	}, nil
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false, err != nil: no task obtained (context cancelled or dequeue failure)
//   - processed == true: a task was processed; err indicates whether the handler succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeOrchestrate:
		return true, w.engine.RunInstance(ctx, task.InstanceID)

	case taskqueue.TaskTypeActivity:
		result, execErr := w.engine.ExecuteActivity(ctx, task.InstanceID, task.TaskID, task.ActivityName, task.Input)
		return true, w.engine.CompleteActivity(ctx, task.InstanceID, task.Generation, task.TaskID, task.ActivityName, result, execErr)

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return true, fmt.Errorf("unknown task type: %s", task.Type)
	}
}
