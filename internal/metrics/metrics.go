// Package metrics provides Prometheus metrics for clusterflow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clusterflow"

var (
	// RunsTotal counts total workflow runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total number of workflow runs by final status",
		},
		[]string{"status"}, // "succeeded", "failed", "cancelled"
	)

	// RunsActive tracks currently executing workflow runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_active",
			Help:      "Number of workflow runs currently executing",
		},
	)

	// RunDuration tracks workflow run duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
		},
		[]string{"status"},
	)

	// TasksTotal counts tasks reaching a terminal status.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Total number of tasks by terminal status",
		},
		[]string{"status"}, // "succeeded", "failed", "cancelled", "skipped"
	)

	// SubmissionsTotal counts gateway submissions.
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "submissions_total",
			Help:      "Total number of job submissions",
		},
		[]string{"result"}, // "success", "error"
	)

	// FrontierSize tracks tasks submitted but not yet terminal.
	FrontierSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "inflight_tasks",
			Help:      "Number of tasks submitted and not yet terminal",
		},
	)

	// MonitorPolls counts poll cycles by monitor kind.
	MonitorPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Total number of monitor poll cycles",
		},
		[]string{"kind"}, // "job", "resource"
	)

	// QueryRetries counts retried gateway queries.
	QueryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "query_retries_total",
			Help:      "Total number of retried gateway queries",
		},
		[]string{"kind"},
	)

	// QueryFailures counts queries that exhausted their retry budget.
	QueryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "query_failures_total",
			Help:      "Total number of gateway queries that failed after retries",
		},
		[]string{"kind"},
	)

	// Transitions counts observed job state changes.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "transitions_total",
			Help:      "Total number of observed job state transitions",
		},
		[]string{"to"},
	)

	// ReportTicks counts scheduled report ticks.
	ReportTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reporter",
			Name:      "ticks_total",
			Help:      "Total number of report ticks",
		},
		[]string{"result"}, // "delivered", "dropped"
	)

	// SinkFailures counts callback deliveries that failed.
	SinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "failures_total",
			Help:      "Total number of failed callback deliveries",
		},
		[]string{"sink", "event"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of open SSE event streams",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400},
		},
	)

	// RunStoreOperations counts runstore operations.
	RunStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runstore",
			Name:      "operations_total",
			Help:      "Total number of runstore operations",
		},
		[]string{"operation", "result"}, // operation: create, update, get; result: success, error
	)
)
