// Package metrics provides a Prometheus-backed Observer for the reflow engine.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/reflow/pkg/api"
)

// PrometheusObserver implements api.Observer by recording orchestration and
// activity lifecycle events as Prometheus metrics. Register it on an engine
// and expose promhttp on /metrics.
type PrometheusObserver struct {
	orchestrationsStarted   *prometheus.CounterVec
	orchestrationsCompleted *prometheus.CounterVec
	orchestrationsFailed    *prometheus.CounterVec
	orchestrationsStopped   *prometheus.CounterVec
	continuations           *prometheus.CounterVec
	activitiesStarted       *prometheus.CounterVec
	activitiesCompleted     *prometheus.CounterVec
	timersFired             prometheus.Counter
	activityDuration        *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates an observer registered against the default
// Prometheus registry.
func NewPrometheusObserver() *PrometheusObserver {
	return &PrometheusObserver{
		orchestrationsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflow_orchestrations_started_total",
				Help: "Total number of orchestration instances started",
			},
			[]string{"orchestration"},
		),
		orchestrationsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflow_orchestrations_completed_total",
				Help: "Total number of orchestration instances completed",
			},
			[]string{"orchestration"},
		),
		orchestrationsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflow_orchestrations_failed_total",
				Help: "Total number of orchestration instances failed",
			},
			[]string{"orchestration"},
		),
		orchestrationsStopped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflow_orchestrations_terminated_total",
				Help: "Total number of orchestration instances terminated",
			},
			[]string{"orchestration"},
		),
		continuations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflow_continuations_total",
				Help: "Total number of continue-as-new transitions",
			},
			[]string{"orchestration"},
		),
		activitiesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflow_activities_started_total",
				Help: "Total number of activity executions started",
			},
			[]string{"activity"},
		),
		activitiesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflow_activities_completed_total",
				Help: "Total number of activity executions completed",
			},
			[]string{"activity", "status"},
		),
		timersFired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reflow_timers_fired_total",
				Help: "Total number of durable timers fired",
			},
		),
		activityDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reflow_activity_duration_seconds",
				Help:    "Activity execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),
	}
}

func (p *PrometheusObserver) OnOrchestrationStart(ctx context.Context, inst *api.OrchestrationInstance) {
	p.orchestrationsStarted.WithLabelValues(inst.Name).Inc()
}

func (p *PrometheusObserver) OnOrchestrationCompleted(ctx context.Context, inst *api.OrchestrationInstance) {
	p.orchestrationsCompleted.WithLabelValues(inst.Name).Inc()
}

func (p *PrometheusObserver) OnOrchestrationFailed(ctx context.Context, inst *api.OrchestrationInstance, err error) {
	p.orchestrationsFailed.WithLabelValues(inst.Name).Inc()
}

func (p *PrometheusObserver) OnOrchestrationTerminated(ctx context.Context, inst *api.OrchestrationInstance, reason string) {
	p.orchestrationsStopped.WithLabelValues(inst.Name).Inc()
}

func (p *PrometheusObserver) OnContinuedAsNew(ctx context.Context, inst *api.OrchestrationInstance) {
	p.continuations.WithLabelValues(inst.Name).Inc()
}

func (p *PrometheusObserver) OnActivityStart(ctx context.Context, instanceID, name string, taskID int) {
	p.activitiesStarted.WithLabelValues(name).Inc()
}

func (p *PrometheusObserver) OnActivityCompleted(ctx context.Context, instanceID, name string, taskID int, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.activitiesCompleted.WithLabelValues(name, status).Inc()
	p.activityDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (p *PrometheusObserver) OnTimerFired(ctx context.Context, instanceID string, taskID int) {
	p.timersFired.Inc()
}
