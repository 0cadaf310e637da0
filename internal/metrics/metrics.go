package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pachat_pipeline_runs_total",
			Help: "Total number of pipeline invocations by branch and outcome",
		},
		[]string{"branch", "outcome"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pachat_node_duration_seconds",
			Help:    "Pipeline node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	ResultChunks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pachat_result_chunks",
			Help:    "Number of chunks a query result was split into",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)

	UnsafeQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pachat_unsafe_queries_total",
			Help: "Generated queries rejected by the safety filter",
		},
	)

	// Approval metrics
	Approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pachat_approvals_total",
			Help: "Approval requests and decisions",
		},
		[]string{"decision"},
	)

	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pachat_pending_approvals",
			Help: "Approvals currently waiting for a decision in this process",
		},
	)

	// Worker metrics
	QueuedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pachat_worker_queued_jobs",
			Help: "Jobs waiting for a worker",
		},
	)

	// Maintenance metrics
	SessionsReconstructed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pachat_sessions_reconstructed_total",
			Help: "Sessions inserted or discarded by the startup reconstructor",
		},
		[]string{"result"},
	)
)
