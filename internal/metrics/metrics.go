package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pygrade_executions_total",
			Help: "Total number of grading requests processed",
		},
		[]string{"endpoint", "status"},
	)

	TestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pygrade_test_runs_total",
			Help: "Total number of individual sandboxed test-case runs",
		},
		[]string{"outcome"}, // completed, timed_out, memory_exceeded, launch_failed, not_run
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pygrade_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"phase"}, // syntax_check, run, total
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pygrade_queue_depth",
			Help: "Current number of jobs in the queue",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pygrade_active_workers",
			Help: "Number of workers currently processing jobs",
		},
	)

	MemoryUsage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pygrade_memory_usage_kb",
			Help:    "Peak memory usage per request in KB",
			Buckets: []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288},
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pygrade_container_creation_ms",
			Help:    "Time to create and start a sandbox container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pygrade_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	QueueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pygrade_queue_rejections_total",
			Help: "Total number of requests rejected because the queue-wait budget was exhausted",
		},
	)

	SubmissionsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pygrade_submissions_persisted_total",
			Help: "Total number of graded submissions written to the store",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pygrade_events_published_total",
			Help: "Total number of graded-submission events published",
		},
		[]string{"status"}, // ok, error
	)
)
