package reflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/reflow/internal/engine"
	"github.com/petrijr/reflow/internal/taskqueue"
	"github.com/petrijr/reflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine                = api.Engine
	Client                = api.Client
	OrchestrationContext  = api.OrchestrationContext
	OrchestratorFunc      = api.OrchestratorFunc
	ActivityFunc          = api.ActivityFunc
	Task                  = api.Task
	TaskFailure           = api.TaskFailure
	OrchestrationInstance = api.OrchestrationInstance
	InstanceListOptions   = api.InstanceListOptions
	Status                = api.Status
	HistoryEvent          = api.HistoryEvent
	EventType             = api.EventType
	Observer              = api.Observer
	LoggingObserver       = api.LoggingObserver
	BasicMetrics          = api.BasicMetrics
	BasicMetricsSnapshot  = api.BasicMetricsSnapshot
	CompositeObserver     = api.CompositeObserver
	NoopObserver          = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusPending        = api.StatusPending
	StatusRunning        = api.StatusRunning
	StatusCompleted      = api.StatusCompleted
	StatusFailed         = api.StatusFailed
	StatusTerminated     = api.StatusTerminated
	StatusContinuedAsNew = api.StatusContinuedAsNew
)

// Re-export common errors.

var (
	ErrInstanceNotFound      = api.ErrInstanceNotFound
	ErrOrchestrationNotFound = api.ErrOrchestrationNotFound
	ErrNondeterminism        = api.ErrNondeterminism
)

// Queue is the task queue shared between an engine and its workers.
type Queue = taskqueue.Queue

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores,
// together with the queue its workers must consume.
func NewInMemoryEngine() (Engine, Queue) {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) (Engine, Queue) {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine returns an Engine that persists instances, history and the
// task queue in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, Queue, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, Queue, error) {
	return engine.NewSQLiteEngineWithObserver(db, obs)
}

// NewRedisEngine returns an Engine that persists instances and history in Redis.
func NewRedisEngine(client *redis.Client) (Engine, Queue) {
	return engine.NewRedisEngine(client)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs Observer) (Engine, Queue) {
	return engine.NewRedisEngineWithObserver(client, obs)
}

// Convenience helpers that just forward to the underlying Engine.

// Start starts a new instance of a registered orchestration.
func Start(ctx context.Context, eng Engine, orchestration string, input any) (string, error) {
	return eng.Start(ctx, orchestration, input)
}

// Terminate stops future scheduling for an instance.
func Terminate(ctx context.Context, eng Engine, instanceID, reason string) error {
	return eng.Terminate(ctx, instanceID, reason)
}

// GetStatus fetches an instance's status by ID.
func GetStatus(ctx context.Context, eng Engine, instanceID string) (*OrchestrationInstance, error) {
	return eng.GetStatus(ctx, instanceID)
}

// GetHistory returns an instance's current-execution history in replay order.
func GetHistory(ctx context.Context, eng Engine, instanceID string) ([]HistoryEvent, error) {
	return eng.GetHistory(ctx, instanceID)
}

// ListInstances lists orchestration instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*OrchestrationInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// WaitForCompletion polls until the instance reaches a terminal status.
func WaitForCompletion(ctx context.Context, eng Engine, instanceID string, pollInterval time.Duration) (*OrchestrationInstance, error) {
	return eng.WaitForCompletion(ctx, instanceID, pollInterval)
}

// RecoverTimers delegates to eng.RecoverTimers.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := reflow.RecoverTimers(ctx, engine)
func RecoverTimers(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverTimers(ctx)
}
