// Package metrics provides Prometheus-based metrics recording for task routing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records dispatch and execution metrics.
type Recorder struct {
	tasksSubmitted    *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
	tasksRequeued     prometheus.Counter
	executionDuration *prometheus.HistogramVec
	breakerOpens      *prometheus.CounterVec
	pendingTasks      prometheus.Gauge
	executingTasks    prometheus.Gauge
}

// NewRecorder creates a metrics recorder registered on reg. Passing nil uses
// the default Prometheus registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		tasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tasks_submitted_total",
				Help: "Total number of tasks accepted for routing by type and priority",
			},
			[]string{"type", "priority"},
		),
		tasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tasks_completed_total",
				Help: "Total number of terminal task results by agent and status",
			},
			[]string{"agent_id", "status"},
		),
		tasksRequeued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "router_tasks_requeued_total",
				Help: "Total number of transient re-queues caused by unavailable agents",
			},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_execution_duration_seconds",
				Help:    "Duration of task executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id", "status"},
		),
		breakerOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_opens_total",
				Help: "Total number of circuit breaker open transitions per agent",
			},
			[]string{"agent_id"},
		),
		pendingTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "router_pending_tasks",
				Help: "Number of tasks waiting in the pending queue",
			},
		),
		executingTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "router_executing_tasks",
				Help: "Number of tasks currently in flight",
			},
		),
	}
}

// ObserveSubmitted records an accepted submission.
func (r *Recorder) ObserveSubmitted(taskType, priority string) {
	r.tasksSubmitted.WithLabelValues(taskType, priority).Inc()
}

// ObserveCompleted records a terminal result and its execution duration.
func (r *Recorder) ObserveCompleted(agentID string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.tasksCompleted.WithLabelValues(agentID, status).Inc()
	r.executionDuration.WithLabelValues(agentID, status).Observe(duration.Seconds())
}

// IncRequeued counts one transient re-queue.
func (r *Recorder) IncRequeued() {
	r.tasksRequeued.Inc()
}

// IncBreakerOpen counts one breaker open transition.
func (r *Recorder) IncBreakerOpen(agentID string) {
	r.breakerOpens.WithLabelValues(agentID).Inc()
}

// SetQueueDepth updates the pending and executing gauges.
func (r *Recorder) SetQueueDepth(pending, executing int) {
	r.pendingTasks.Set(float64(pending))
	r.executingTasks.Set(float64(executing))
}
