// Package metrics holds the Prometheus collectors used by the sync client and
// the central merge service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync client (collector side).
var (
	SyncAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_sync_attempts_total",
			Help: "Sync cycles by result (ok, noop, config_error, transport_error, rejected, error)",
		},
		[]string{"result"},
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_sync_records_total",
			Help: "Records acknowledged by the central service, per table",
		},
		[]string{"table"},
	)

	SyncBackoffSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshsync_sync_backoff_seconds",
			Help: "Current retry backoff of the sync loop",
		},
	)

	UnsyncedRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshsync_unsynced_rows",
			Help: "Rows waiting for sync in the local store, per table",
		},
		[]string{"table"},
	)
)

// Merge service (central side).
var (
	MergeBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_merge_batches_total",
			Help: "Sync batches handled by the merge service, by result",
		},
		[]string{"result"},
	)

	MergeRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_merge_records_total",
			Help: "Records received in merged batches, per table",
		},
		[]string{"table"},
	)

	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshsync_merge_duration_seconds",
			Help:    "Time spent merging one batch inside its transaction",
			Buckets: prometheus.DefBuckets,
		},
	)
)
