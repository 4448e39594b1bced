package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueFIFO(t *testing.T) {
	q := NewInMemoryQueue(8)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeOrchestrate, InstanceID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeActivity, InstanceID: "a", TaskID: 0, ActivityName: "A", Input: 7}))

	assert.Equal(t, 2, q.Len())

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskTypeOrchestrate, first.Type)
	assert.Equal(t, "a", first.InstanceID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskTypeActivity, second.Type)
	assert.Equal(t, "A", second.ActivityName)
	assert.Equal(t, 7, second.Input)

	assert.Equal(t, 0, q.Len())
}

func TestInMemoryQueueDequeueRespectsContext(t *testing.T) {
	q := NewInMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	task, err := q.Dequeue(ctx)
	assert.Nil(t, task)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
