// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Trigger metrics
	TriggerMatches    *prometheus.CounterVec
	EvaluatorFailures *prometheus.CounterVec
	DedupeHits        prometheus.Counter

	// Execution metrics
	ExecutionsEnqueued  *prometheus.CounterVec
	ExecutionsClaimed   prometheus.Counter
	ExecutionsFinished  *prometheus.CounterVec
	ExecutionsRunning   prometheus.Gauge
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionsPromoted  prometheus.Counter
	ExecutionsReclaimed prometheus.Counter

	// Node metrics
	NodeAttempts *prometheus.CounterVec
	NodeRetries  *prometheus.CounterVec

	// Scheduler metrics
	PollErrors    prometheus.Counter
	WorkersActive prometheus.Gauge
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New creates and registers all engine metrics. Registration happens
// once per process; later calls return the shared instance.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TriggerMatches: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "crmflow_trigger_matches_total",
					Help: "Number of workflow trigger matches by trigger type",
				},
				[]string{"trigger_type"},
			),
			EvaluatorFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "crmflow_evaluator_failures_total",
					Help: "Number of events whose execution could not be enqueued",
				},
				[]string{"reason"},
			),
			DedupeHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "crmflow_dedupe_hits_total",
					Help: "Number of duplicate trigger firings suppressed",
				},
			),
			ExecutionsEnqueued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "crmflow_executions_enqueued_total",
					Help: "Number of executions created by trigger type",
				},
				[]string{"trigger_type"},
			),
			ExecutionsClaimed: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "crmflow_executions_claimed_total",
					Help: "Number of executions claimed by the scheduler",
				},
			),
			ExecutionsFinished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "crmflow_executions_finished_total",
					Help: "Number of executions reaching a terminal status",
				},
				[]string{"status"},
			),
			ExecutionsRunning: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "crmflow_executions_running",
					Help: "Number of executions currently being walked",
				},
			),
			ExecutionDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "crmflow_execution_duration_seconds",
					Help:    "Wall time from claim to terminal status",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
				[]string{"status"},
			),
			ExecutionsPromoted: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "crmflow_executions_promoted_total",
					Help: "Number of waiting executions promoted back to pending",
				},
			),
			ExecutionsReclaimed: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "crmflow_executions_reclaimed_total",
					Help: "Number of executions reclaimed after lease expiry",
				},
			),
			NodeAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "crmflow_node_attempts_total",
					Help: "Number of node execution attempts by outcome",
				},
				[]string{"outcome"},
			),
			NodeRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "crmflow_node_retries_total",
					Help: "Number of node retries scheduled",
				},
				[]string{"workflow_id"},
			),
			PollErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "crmflow_scheduler_poll_errors_total",
					Help: "Number of scheduler polls that failed against the store",
				},
			),
			WorkersActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "crmflow_scheduler_workers_active",
					Help: "Number of busy scheduler workers",
				},
			),
		}
	})

	return sharedMetrics
}
