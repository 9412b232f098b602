// Package metrics exposes the engine's Prometheus collectors. A
// Metrics value registers on a caller-supplied registry; nothing
// touches the global default registry, so tests and embedders stay
// isolated.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every engine collector.
type Metrics struct {
	EventsBuffered prometheus.Gauge
	EventsFlushed  prometheus.Counter
	FlushBatches   prometheus.Counter

	Commits prometheus.Counter

	RowGroupsScanned prometheus.Counter
	RowGroupsPruned  prometheus.Counter
	QueryDuration    prometheus.Histogram

	VersionConflicts prometheus.Counter
}

// New builds and registers the collectors. A nil registry skips
// registration (collectors still work, useful in tests).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lakedb_wal_events_buffered",
			Help: "Events currently held in in-memory WAL buffers.",
		}),
		EventsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lakedb_wal_events_flushed_total",
			Help: "Events flushed into the durable WAL table.",
		}),
		FlushBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lakedb_wal_flush_batches_total",
			Help: "Durable WAL rows written (one per flushed buffer).",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lakedb_commits_total",
			Help: "Successful table-log commits.",
		}),
		RowGroupsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lakedb_query_row_groups_scanned_total",
			Help: "Row groups whose pages were read during queries.",
		}),
		RowGroupsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lakedb_query_row_groups_pruned_total",
			Help: "Row groups skipped via statistics or bloom filters.",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lakedb_query_duration_seconds",
			Help:    "Find latency (full-text Search is not recorded).",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lakedb_entity_version_conflicts_total",
			Help: "Entity updates rejected on expectedVersion mismatch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsBuffered, m.EventsFlushed, m.FlushBatches,
			m.Commits,
			m.RowGroupsScanned, m.RowGroupsPruned, m.QueryDuration,
			m.VersionConflicts,
		)
	}
	return m
}
