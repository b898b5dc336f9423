package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maildrop_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_connections_rejected_total",
			Help: "Connections refused because the server was at capacity",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maildrop_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_commands_total",
			Help: "Commands processed, by verb and outcome",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_command_duration_seconds",
			Help:    "Time spent handling a command",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"protocol", "command"},
	)

	BytesRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_bytes_retrieved_total",
			Help: "Message octets streamed to clients",
		},
		[]string{"protocol"},
	)

	MessagesExpunged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildrop_messages_expunged_total",
			Help: "Messages permanently removed when a mailbox is released",
		},
	)

	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildrop_messages_appended_total",
			Help: "Messages added to mailboxes",
		},
	)

	BodiesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildrop_bodies_purged_total",
			Help: "Unreferenced message bodies removed from storage by the cleaner",
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

// Storage metrics
var (
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_storage_operations_total",
			Help: "Blob storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_storage_operation_duration_seconds",
			Help:    "Duration of blob storage operations",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"backend", "operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_storage_operation_errors_total",
			Help: "Blob storage failures by class",
		},
		[]string{"backend", "operation", "error_type"},
	)
)

// Cache metrics
var (
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_cache_operations_total",
			Help: "Local cache lookups and writes",
		},
		[]string{"operation", "result"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_cache_size_bytes",
			Help: "Bytes currently held by the local cache",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_cache_objects_total",
			Help: "Objects currently held by the local cache",
		},
	)
)

// Mail store totals, refreshed by the Collector
var (
	AccountsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_accounts_total",
			Help: "Accounts in the database",
		},
	)

	MessagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_messages_total",
			Help: "Messages held across all maildrops",
		},
	)

	StoredBytesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_stored_bytes_total",
			Help: "Octets held across all maildrops",
		},
	)
)
