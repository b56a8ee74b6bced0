package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics
var (
	InboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_inbound_total",
			Help: "Total number of inbound emails processed, by resolution",
		},
		[]string{"resolution"}, // appended, created, unmatched, recorded_deleted
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triage_ingest_duration_seconds",
			Help:    "Duration of inbound email ingestion",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// State machine metrics
var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_thread_transitions_total",
			Help: "Total number of thread state transitions, by action",
		},
		[]string{"action"}, // reply, close, reopen, archive, delete, restore, purge
	)

	InvalidTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_invalid_transitions_total",
			Help: "Total number of rejected thread state transitions",
		},
		[]string{"action"},
	)
)

// Mutation guard metrics
var (
	GuardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_guard_rejections_total",
			Help: "Total number of mutations rejected because the key was busy",
		},
		[]string{"family"},
	)

	GuardInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triage_guard_inflight",
			Help: "Current number of in-flight guarded mutations",
		},
		[]string{"family"},
	)
)

// Escalation metrics
var (
	EscalationScans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_escalation_scans_total",
			Help: "Total number of escalation scheduler passes",
		},
	)

	EscalationCandidates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_escalation_candidates",
			Help: "Number of breach-eligible threads seen in the last scan",
		},
	)

	EscalationDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_escalation_dispatches_total",
			Help: "Total number of escalation notification dispatch attempts",
		},
		[]string{"result"}, // sent, failed, skipped
	)
)

// Archive metrics
var (
	ArchiveOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_archive_operations_total",
			Help: "Total number of S3 archive operations",
		},
		[]string{"operation", "status"},
	)

	ArchiveOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_archive_operation_duration_seconds",
			Help:    "Duration of S3 archive operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Database connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triage_db_pool_total_conns",
			Help: "Total number of connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triage_db_pool_idle_conns",
			Help: "Number of idle connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triage_db_pool_in_use_conns",
			Help: "Number of connections currently in use",
		},
		[]string{"role"},
	)
)
