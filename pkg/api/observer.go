package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestration engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay replay passes.
type Observer interface {
	// OnOrchestrationStart is called once when an instance is first
	// started, and again for each continue-as-new cycle.
	OnOrchestrationStart(ctx context.Context, inst *OrchestrationInstance)

	// OnOrchestrationCompleted is called when an instance reaches
	// StatusCompleted.
	OnOrchestrationCompleted(ctx context.Context, inst *OrchestrationInstance)

	// OnOrchestrationFailed is called when an instance transitions to
	// StatusFailed.
	OnOrchestrationFailed(ctx context.Context, inst *OrchestrationInstance, err error)

	// OnOrchestrationTerminated is called when a terminate directive takes
	// effect.
	OnOrchestrationTerminated(ctx context.Context, inst *OrchestrationInstance, reason string)

	// OnContinuedAsNew is called after an instance's history has been
	// reset for a new cycle. inst reflects the fresh execution.
	OnContinuedAsNew(ctx context.Context, inst *OrchestrationInstance)

	// OnActivityStart is called before a worker invokes an activity.
	// taskID is the scheduling position within the instance's execution.
	OnActivityStart(ctx context.Context, instanceID, name string, taskID int)

	// OnActivityCompleted is called after an activity returns, for both
	// successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, instanceID, name string, taskID int, err error, duration time.Duration)

	// OnTimerFired is called when a durable timer's fired event is
	// recorded.
	OnTimerFired(ctx context.Context, instanceID string, taskID int)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnOrchestrationStart(ctx context.Context, inst *OrchestrationInstance)     {}
func (NoopObserver) OnOrchestrationCompleted(ctx context.Context, inst *OrchestrationInstance) {}
func (NoopObserver) OnOrchestrationFailed(ctx context.Context, inst *OrchestrationInstance, err error) {
}
func (NoopObserver) OnOrchestrationTerminated(ctx context.Context, inst *OrchestrationInstance, reason string) {
}
func (NoopObserver) OnContinuedAsNew(ctx context.Context, inst *OrchestrationInstance)     {}
func (NoopObserver) OnActivityStart(ctx context.Context, instanceID, name string, taskID int) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, instanceID, name string, taskID int, err error, d time.Duration) {
}
func (NoopObserver) OnTimerFired(ctx context.Context, instanceID string, taskID int) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnOrchestrationStart(ctx context.Context, inst *OrchestrationInstance) {
	for _, o := range c.observers {
		o.OnOrchestrationStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnOrchestrationCompleted(ctx context.Context, inst *OrchestrationInstance) {
	for _, o := range c.observers {
		o.OnOrchestrationCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnOrchestrationFailed(ctx context.Context, inst *OrchestrationInstance, err error) {
	for _, o := range c.observers {
		o.OnOrchestrationFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnOrchestrationTerminated(ctx context.Context, inst *OrchestrationInstance, reason string) {
	for _, o := range c.observers {
		o.OnOrchestrationTerminated(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnContinuedAsNew(ctx context.Context, inst *OrchestrationInstance) {
	for _, o := range c.observers {
		o.OnContinuedAsNew(ctx, inst)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, instanceID, name string, taskID int) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, instanceID, name, taskID)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, instanceID, name string, taskID int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, instanceID, name, taskID, err, d)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, instanceID string, taskID int) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, instanceID, taskID)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs orchestration / activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnOrchestrationStart(ctx context.Context, inst *OrchestrationInstance) {
	o.Logger.InfoContext(ctx, "orchestration_start",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Int("generation", inst.Generation),
	)
}

func (o *LoggingObserver) OnOrchestrationCompleted(ctx context.Context, inst *OrchestrationInstance) {
	o.Logger.InfoContext(ctx, "orchestration_completed",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnOrchestrationFailed(ctx context.Context, inst *OrchestrationInstance, err error) {
	o.Logger.ErrorContext(ctx, "orchestration_failed",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnOrchestrationTerminated(ctx context.Context, inst *OrchestrationInstance, reason string) {
	o.Logger.InfoContext(ctx, "orchestration_terminated",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnContinuedAsNew(ctx context.Context, inst *OrchestrationInstance) {
	o.Logger.InfoContext(ctx, "orchestration_continued_as_new",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Int("generation", inst.Generation),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, instanceID, name string, taskID int) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("instance_id", instanceID),
		slog.String("activity", name),
		slog.Int("task_id", taskID),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, instanceID, name string, taskID int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("instance_id", instanceID),
		slog.String("activity", name),
		slog.Int("task_id", taskID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, instanceID string, taskID int) {
	o.Logger.DebugContext(ctx, "timer_fired",
		slog.String("instance_id", instanceID),
		slog.Int("task_id", taskID),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	orchestrationsStarted   atomic.Int64
	orchestrationsCompleted atomic.Int64
	orchestrationsFailed    atomic.Int64
	continuedAsNew          atomic.Int64
	activitiesCompleted     atomic.Int64
	timersFired             atomic.Int64
	totalActivityDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	OrchestrationsStarted   int64
	OrchestrationsCompleted int64
	OrchestrationsFailed    int64
	ContinuedAsNew          int64

	ActivitiesCompleted int64
	TimersFired         int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnOrchestrationStart(ctx context.Context, inst *OrchestrationInstance) {
	m.orchestrationsStarted.Add(1)
}

func (m *BasicMetrics) OnOrchestrationCompleted(ctx context.Context, inst *OrchestrationInstance) {
	m.orchestrationsCompleted.Add(1)
}

func (m *BasicMetrics) OnOrchestrationFailed(ctx context.Context, inst *OrchestrationInstance, err error) {
	m.orchestrationsFailed.Add(1)
}

func (m *BasicMetrics) OnContinuedAsNew(ctx context.Context, inst *OrchestrationInstance) {
	m.continuedAsNew.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, instanceID, name string, taskID int, err error, d time.Duration) {
	// Only count successful activities for average duration.
	if err == nil {
		m.activitiesCompleted.Add(1)
		m.totalActivityDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnTimerFired(ctx context.Context, instanceID string, taskID int) {
	m.timersFired.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.activitiesCompleted.Load()
	totalNs := m.totalActivityDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		OrchestrationsStarted:   m.orchestrationsStarted.Load(),
		OrchestrationsCompleted: m.orchestrationsCompleted.Load(),
		OrchestrationsFailed:    m.orchestrationsFailed.Load(),
		ContinuedAsNew:          m.continuedAsNew.Load(),
		ActivitiesCompleted:     completed,
		TimersFired:             m.timersFired.Load(),
		AvgActivityDuration:     avg,
	}
}
