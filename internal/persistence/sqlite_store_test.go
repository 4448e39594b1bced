package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/reflow/pkg/api"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreInstanceRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)

	now := time.Now()
	inst := &api.OrchestrationInstance{
		ID:               "i1",
		Name:             "Orchestrator",
		Status:           api.StatusRunning,
		Input:            "payload",
		Generation:       3,
		ParentID:         "parent-1",
		ParentTaskID:     2,
		ParentGeneration: 1,
		Err:              errors.New("previous fault"),
		CreatedAt:        now,
		LastUpdated:      now,
	}
	require.NoError(t, store.SaveInstance(inst))

	got, err := store.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, "Orchestrator", got.Name)
	assert.Equal(t, api.StatusRunning, got.Status)
	assert.Equal(t, "payload", got.Input)
	assert.Equal(t, 3, got.Generation)
	assert.Equal(t, "parent-1", got.ParentID)
	assert.Equal(t, 2, got.ParentTaskID)
	assert.Equal(t, 1, got.ParentGeneration)
	require.Error(t, got.Err)
	assert.Equal(t, "previous fault", got.Err.Error())
	assert.Equal(t, now.UnixNano(), got.CreatedAt.UnixNano())
}

func TestSQLiteStoreUpdateAndNotFound(t *testing.T) {
	store := newSQLiteStore(t)

	inst := &api.OrchestrationInstance{
		ID: "i1", Name: "W", Status: api.StatusPending,
		CreatedAt: time.Now(), LastUpdated: time.Now(),
	}
	require.NoError(t, store.SaveInstance(inst))

	inst.Status = api.StatusCompleted
	inst.Output = "result"
	require.NoError(t, store.UpdateInstance(inst))

	got, err := store.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, got.Status)
	assert.Equal(t, "result", got.Output)

	_, err = store.GetInstance("ghost")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	ghost := &api.OrchestrationInstance{ID: "ghost", Name: "W", Status: api.StatusPending}
	assert.ErrorIs(t, store.UpdateInstance(ghost), ErrInstanceNotFound)
}

func TestSQLiteStoreListInstancesFilter(t *testing.T) {
	store := newSQLiteStore(t)

	for _, inst := range []*api.OrchestrationInstance{
		{ID: "a", Name: "Recurring", Status: api.StatusRunning, CreatedAt: time.Now(), LastUpdated: time.Now()},
		{ID: "b", Name: "Recurring", Status: api.StatusTerminated, CreatedAt: time.Now(), LastUpdated: time.Now()},
		{ID: "c", Name: "Other", Status: api.StatusRunning, CreatedAt: time.Now(), LastUpdated: time.Now()},
	} {
		require.NoError(t, store.SaveInstance(inst))
	}

	all, err := store.ListInstances(InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := store.ListInstances(InstanceFilter{Name: "Recurring", Status: api.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].ID)
}

func TestSQLiteStoreHistoryRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	fireAt := time.Now().Add(time.Minute)
	events := []api.HistoryEvent{
		{InstanceID: "i1", Type: api.EventOrchestratorStarted, TaskID: -1, Input: "seed"},
		{InstanceID: "i1", Type: api.EventActivityScheduled, TaskID: 0, Name: "A", Input: 7},
		{InstanceID: "i1", Type: api.EventActivityCompleted, TaskID: 0, Name: "A", Result: 14},
		{InstanceID: "i1", Type: api.EventTimerCreated, TaskID: 1, FireAt: fireAt},
		{InstanceID: "i1", Type: api.EventExecutionTerminated, TaskID: -1, Reason: "Stop command fires."},
	}
	for _, ev := range events {
		require.NoError(t, store.AppendEvent(ctx, ev))
	}

	got, err := store.ListEvents(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, api.EventOrchestratorStarted, got[0].Type)
	assert.Equal(t, "seed", got[0].Input)
	assert.Equal(t, -1, got[0].TaskID)

	assert.Equal(t, 0, got[1].TaskID)
	assert.Equal(t, "A", got[1].Name)
	assert.Equal(t, 7, got[1].Input)

	assert.Equal(t, 14, got[2].Result)

	assert.Equal(t, fireAt.UnixNano(), got[3].FireAt.UnixNano())

	assert.Equal(t, "Stop command fires.", got[4].Reason)
}

func TestSQLiteStoreArchiveHistory(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEvent(ctx, api.HistoryEvent{InstanceID: "i1", Type: api.EventOrchestratorStarted, TaskID: -1}))
	require.NoError(t, store.AppendEvent(ctx, api.HistoryEvent{InstanceID: "i1", Type: api.EventContinuedAsNew, TaskID: -1}))
	require.NoError(t, store.ArchiveHistory(ctx, "i1"))

	// Fresh generation.
	require.NoError(t, store.AppendEvent(ctx, api.HistoryEvent{InstanceID: "i1", Type: api.EventOrchestratorStarted, TaskID: -1}))

	current, err := store.ListEvents(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, api.EventOrchestratorStarted, current[0].Type)

	archived, err := store.ListArchivedEvents(ctx, "i1")
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}
