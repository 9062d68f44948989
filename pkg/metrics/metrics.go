// Package metrics holds the prometheus instruments of gridqueue.
//
// Instruments are registered to the default registry on package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storage

	TxAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_store_tx_attempts_total",
			Help: "Transaction attempts, by outcome (commit, retry, error)",
		},
		[]string{"outcome"},
	)

	TxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridq_store_tx_duration_seconds",
			Help:    "Duration of logical transactions including retries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		},
	)

	// mirroring

	MirrorQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_mirror_entries_queued_total",
			Help: "Entries queued for the master",
		},
		[]string{"table"},
	)

	MirrorDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_mirror_entries_dropped_total",
			Help: "Entries dropped because the mirror queue was full",
		},
		[]string{"table"},
	)

	MirrorSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_mirror_entries_sent_total",
			Help: "Entries delivered to the master",
		},
		[]string{"table"},
	)

	MirrorFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_mirror_entries_failed_total",
			Help: "Entries the sink failed to deliver",
		},
		[]string{"table"},
	)

	// scheduling

	BufferedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_buffered_jobs_total",
			Help: "Jobs materialized by buffering",
		},
		[]string{"dataset"},
	)

	BufferedTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_buffered_tasks_total",
			Help: "Tasks materialized by buffering",
		},
		[]string{"dataset"},
	)

	QueuedTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_queued_tasks_total",
			Help: "Tasks promoted to queued by selection",
		},
		[]string{"gridspec"},
	)

	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_task_transitions_total",
			Help: "Task status transitions, by destination status",
		},
		[]string{"status"},
	)

	DatasetsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_datasets_reconciled_total",
			Help: "Datasets moved to a terminal status by reconciliation",
		},
		[]string{"status"},
	)

	ActivePilots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridq_pilots",
			Help: "Pilots currently registered",
		},
	)

	// rpc

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridq_rpc_requests_total",
			Help: "JSON-RPC requests, by method and result (ok, error)",
		},
		[]string{"method", "result"},
	)

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridq_rpc_duration_seconds",
			Help:    "JSON-RPC handling time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"method"},
	)
)
