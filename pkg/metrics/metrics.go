// Package metrics defines the Prometheus collectors for the brev mail
// server. Collectors are registered at init through promauto and served by
// the ops HTTP endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_connections_total",
			Help: "Total number of connections accepted",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brev_connections_current",
			Help: "Current number of open connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_connections_rejected_total",
			Help: "Connections rejected by the per-server connection limit",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brev_connection_duration_seconds",
			Help:    "Connection lifetime in seconds",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_authentication_attempts_total",
			Help: "Authentication attempts by result",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_commands_total",
			Help: "Protocol commands handled, by command and result",
		},
		[]string{"protocol", "command", "result"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brev_command_duration_seconds",
			Help:    "Command handling duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"protocol", "command"},
	)
)

// Delivery and mailbox metrics
var (
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_messages_delivered_total",
			Help: "Messages committed to folders, by source and result",
		},
		[]string{"source", "result"},
	)

	BytesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brev_delivered_bytes_total",
			Help: "Raw message bytes accepted for delivery",
		},
	)

	UIDsAllocated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brev_uids_allocated_total",
			Help: "Folder UIDs issued by the allocator",
		},
	)

	MessagesExpunged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_messages_expunged_total",
			Help: "Messages removed from folders, by protocol",
		},
		[]string{"protocol"},
	)

	SieveExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_sieve_executions_total",
			Help: "Sieve script evaluations at delivery, by result",
		},
		[]string{"result"},
	)

	FolderEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_folder_events_total",
			Help: "Folder change events emitted to the notification sink",
		},
		[]string{"change"},
	)
)

// Store metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_db_queries_total",
			Help: "Database operations executed, by operation and status",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brev_db_query_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

// Blob store and cache metrics
var (
	BlobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_blob_operations_total",
			Help: "Blob store operations, by operation and status",
		},
		[]string{"operation", "status"},
	)

	BlobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brev_blob_operation_duration_seconds",
			Help:    "Blob store operation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brev_cache_hits_total",
			Help: "Content cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brev_cache_misses_total",
			Help: "Content cache misses",
		},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brev_cache_size_bytes",
			Help: "Bytes currently held by the content cache",
		},
	)
)

// Background worker metrics
var (
	UploaderUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_uploader_uploads_total",
			Help: "Uploader attempts to move content to the blob store",
		},
		[]string{"result"},
	)

	UploaderPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brev_uploader_pending",
			Help: "Messages waiting for upload to the blob store",
		},
	)

	CleanerRemovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brev_cleaner_removals_total",
			Help: "Unreferenced messages removed by the cleaner",
		},
		[]string{"result"},
	)
)
