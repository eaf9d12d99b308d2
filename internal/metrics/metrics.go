package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageMessages counts handled messages per stage and outcome
	StageMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapkeeper_stage_messages_total",
			Help: "Total number of messages handled per pipeline stage",
		},
		[]string{"stage", "outcome"},
	)

	// StageDuration tracks handler latency
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapkeeper_stage_duration_seconds",
			Help:    "Pipeline stage handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Requeues counts explicit re-enqueues (polls, backpressure, throttling)
	Requeues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapkeeper_requeues_total",
			Help: "Total number of explicit re-enqueues",
		},
		[]string{"stage", "reason"},
	)

	// DeadLetters counts messages routed to dead-letter or poison queues
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapkeeper_dead_letters_total",
			Help: "Total number of dead-lettered messages",
		},
		[]string{"queue"},
	)

	// CopySlotsInUse is the last observed concurrency counter value
	CopySlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapkeeper_copy_slots_in_use",
			Help: "Copy concurrency slots currently held",
		},
	)

	// LimiterConflicts counts optimistic-concurrency conflicts
	LimiterConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapkeeper_limiter_conflicts_total",
			Help: "Total number of limiter write conflicts",
		},
		[]string{"backend"},
	)

	// ClassifiedErrors counts failures by retry class
	ClassifiedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapkeeper_classified_errors_total",
			Help: "Total number of classified failures",
		},
		[]string{"class"},
	)

	// JobLogEntries counts appended job-log entries
	JobLogEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapkeeper_job_log_entries_total",
			Help: "Total number of job-log entries appended",
		},
		[]string{"operation", "status"},
	)

	// QueueDepth is the last observed queue length
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapkeeper_queue_depth",
			Help: "Messages waiting per queue",
		},
		[]string{"queue"},
	)

	// DBConnectionPoolUsage is the percentage of open connections in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapkeeper_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
