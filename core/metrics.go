package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds every prometheus collector the engine exposes. A nil *metrics
// (no Config.MetricsRegisterer) disables instrumentation; every call site
// that touches it is nil-checked so metrics stay entirely optional.
type metrics struct {
	recordsWritten        prometheus.Counter
	bytesWritten          prometheus.Counter
	recordsRead           prometheus.Counter
	bytesRead             prometheus.Counter
	segmentRotations      prometheus.Counter
	mergesCompleted       prometheus.Counter
	mergeDurationSeconds  prometheus.Histogram
	recoveryDurationSeconds prometheus.Histogram
	lastSegmentAgeSeconds prometheus.Gauge
	keydirSize            prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	return &metrics{
		recordsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "caskdb_records_written_total",
			Help: "Number of Put/Delete records appended to the active segment.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "caskdb_bytes_written_total",
			Help: "Bytes of encoded records appended to the active segment, header included.",
		}),
		recordsRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "caskdb_records_read_total",
			Help: "Number of values read back by Get.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "caskdb_bytes_read_total",
			Help: "Bytes read back by Get.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "caskdb_segment_rotations_total",
			Help: "Number of times the active segment rolled over to a new file.",
		}),
		mergesCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "caskdb_merges_completed_total",
			Help: "Number of completed compaction passes.",
		}),
		mergeDurationSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "caskdb_merge_duration_seconds",
			Help:    "Wall-clock duration of a completed compaction pass.",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryDurationSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "caskdb_recovery_duration_seconds",
			Help:    "Wall-clock duration of rebuilding the keydir at Open.",
			Buckets: prometheus.DefBuckets,
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "caskdb_last_segment_age_seconds",
			Help: "Seconds from the rotation that retired the most recently sealed segment to the end of its seal; segment creation time is not tracked.",
		}),
		keydirSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "caskdb_keydir_keys",
			Help: "Number of live keys currently tracked by the in-memory keydir.",
		}),
	}
}
