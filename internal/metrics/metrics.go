// Package metrics implements Prometheus metrics for the scheduler core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksReady tracks the current length of the ready queue (C8).
	TasksReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plumber_tasks_ready",
			Help: "Number of tasks currently sitting in the ready queue",
		},
	)

	// TasksInflight tracks tasks that exist in the task table but have not
	// yet been freed, labeled by service name.
	TasksInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plumber_tasks_inflight",
			Help: "Number of task entries live in the task table",
		},
		[]string{"service"},
	)

	// StepDurationSeconds measures how long one step() iteration takes,
	// from just after the ready task is popped until it is freed
	// (outgoing pipe setup, Exec and sentinel propagation included),
	// labeled by service and node.
	StepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plumber_step_duration_seconds",
			Help:    "Latency of a single step engine iteration",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
		},
		[]string{"service", "node"},
	)

	// EventQueueDepth tracks the current occupancy of each module's event
	// queue (C10), gauging backpressure before it trips.
	EventQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plumber_event_queue_depth",
			Help: "Current number of queued events per module token",
		},
		[]string{"module"},
	)

	// RequestsTotal counts completed requests by service and outcome
	// ("ok", "cancelled", "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_requests_total",
			Help: "Total number of requests completed, by outcome",
		},
		[]string{"service", "outcome"},
	)

	// ClusterCancellationsTotal counts critical-cluster cancellations
	// triggered by the step engine, by service and node.
	ClusterCancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_cluster_cancellations_total",
			Help: "Total number of critical-cluster cancellations triggered",
		},
		[]string{"service", "node"},
	)
)

// Outcome labels for RequestsTotal.
const (
	OutcomeOK        = "ok"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)
