// Package metrics exposes Prometheus collectors for one load, grounded
// on the promauto wiring pattern in NayanaChandrika99-DocReasoner's
// tree_db/internal/metrics. Unlike that package, Loader does not use
// the global default registry: one load owns one registry, so running
// many loads (as tests do) never collides on metric names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Loader holds the counters for one load. The direct writer updates
// PagesWritten, LSFUpdates, WALFlushes and TuplesInserted, the index
// spooler updates MergeSpillBytes, and the recovery job updates
// RecoveredPages. SegmentRotations and DuplicateRejections are
// registered but no component increments them.
type Loader struct {
	Registry *prometheus.Registry

	PagesWritten       prometheus.Counter
	SegmentRotations   prometheus.Counter
	LSFUpdates         prometheus.Counter
	WALFlushes         prometheus.Counter
	TuplesInserted     prometheus.Counter
	DuplicateRejections *prometheus.CounterVec
	RecoveredPages     prometheus.Counter
	MergeSpillBytes    prometheus.Counter
}

// NewLoader creates and registers a fresh set of collectors.
func NewLoader() *Loader {
	reg := prometheus.NewRegistry()

	m := &Loader{
		Registry: reg,
		PagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgbulkload_pages_written_total",
			Help: "Heap pages flushed to a relation segment file.",
		}),
		SegmentRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgbulkload_segment_rotations_total",
			Help: "Times the segment writer closed one segment and opened the next.",
		}),
		LSFUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgbulkload_lsf_updates_total",
			Help: "Load status file rewrite+fsync cycles.",
		}),
		WALFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgbulkload_wal_flushes_total",
			Help: "XLogFlush calls issued for the first-page WAL record.",
		}),
		TuplesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgbulkload_tuples_inserted_total",
			Help: "Heap tuples staged into the page-buffer ring.",
		}),
		DuplicateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgbulkload_duplicate_rejections_total",
			Help: "Unique-key collisions resolved during merge-build, by which side lost.",
		}, []string{"resolution"}),
		RecoveredPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgbulkload_recovered_pages_total",
			Help: "Pages zero-filled by the recovery tool.",
		}),
		MergeSpillBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgbulkload_merge_spill_bytes_total",
			Help: "Compressed bytes written to the index spooler's external sort run.",
		}),
	}

	reg.MustRegister(
		m.PagesWritten,
		m.SegmentRotations,
		m.LSFUpdates,
		m.WALFlushes,
		m.TuplesInserted,
		m.DuplicateRejections,
		m.RecoveredPages,
		m.MergeSpillBytes,
	)

	return m
}
