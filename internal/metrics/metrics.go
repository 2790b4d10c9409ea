package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DBQueryDuration measures how long run-history queries take, by 'operation'
// ('insert_run', 'finish_run', 'get_run', 'list_runs').
var DBQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	},
	[]string{"operation"},
)

// SearchRequestDuration measures Elasticsearch calls by 'operation'
// ('bulk', 'ensure_index', 'search_ids', 'delete_ids', 'count').
var SearchRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "search_request_duration_seconds",
		Help: "Duration of Elasticsearch requests in seconds",
		// Scroll pages and delete-by-query over 10k ids are slow compared to bulk writes
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	},
	[]string{"operation"},
)

// BulkFlushDuration measures each bulk flush of a run, per target index.
var BulkFlushDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ingest_bulk_flush_duration_seconds",
		Help:    "Duration of ingest bulk flushes in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"index"},
)

// RecordsTotal counts source records by outcome
// ('queued', 'skipped', 'parse_error', 'transform_error').
var RecordsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingest_records_total",
		Help: "Source records processed by ingest runs",
	},
	[]string{"dataset", "outcome"},
)

// DeletedDocumentsTotal counts documents removed by reconciliation.
var DeletedDocumentsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingest_deleted_documents_total",
		Help: "Stale documents deleted by reconciliation",
	},
	[]string{"dataset"},
)

// RunDuration measures whole ingest runs by final status.
var RunDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Duration of ingest runs in seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
	},
	[]string{"dataset", "status"},
)
