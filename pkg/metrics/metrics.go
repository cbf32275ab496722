// Package metrics provides Prometheus metrics for Melchi sync runs.
//
// Metrics are registered once at package load via promauto and recorded by
// the orchestrator as tables move through the sync state machine:
//
//	metrics.TablesSynced.WithLabelValues("success").Inc()
//	metrics.RowsApplied.WithLabelValues("orders", "INSERT").Add(42)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TablesSynced counts per-table sync outcomes, labeled success,
	// failed, or skipped.
	TablesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "melchi",
		Name:      "tables_synced_total",
		Help:      "Per-table sync outcomes by result.",
	}, []string{"result"})

	// RowsApplied counts change records applied to the target, labeled by
	// table and action.
	RowsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "melchi",
		Name:      "rows_applied_total",
		Help:      "Change records applied to the target by table and action.",
	}, []string{"table", "action"})

	// SyncDuration observes the wall time of one table's sync unit.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "melchi",
		Name:      "sync_duration_seconds",
		Help:      "Duration of a single table's capture-apply-commit-cleanup unit.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"table", "strategy"})

	// SyncsInFlight gauges how many table sync units are currently
	// running.
	SyncsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "melchi",
		Name:      "syncs_in_flight",
		Help:      "Table sync units currently in progress.",
	})

	// RetriesTotal counts retried target write attempts by table.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "melchi",
		Name:      "retries_total",
		Help:      "Retried target write attempts by table.",
	}, []string{"table"})
)
