package statusserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus gauges/histograms for the three counters SPEC_FULL.md's
// dependency table names: snapshots by state, rate-gate wait time, and
// publish batch size. Scoped down from the teacher's much larger
// internal/metrics package to only what this pipeline has to report.
var (
	snapshotsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wanderer_snapshots_by_state",
			Help: "Current number of snapshots in each lifecycle state",
		},
		[]string{"state"},
	)

	rateGateWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wanderer_rate_gate_wait_seconds",
			Help:    "Time callers spent blocked in Gate.Wait before a slot opened",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	publishBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wanderer_publish_batch_size",
			Help:    "Number of recordings published per publish run",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)
)

// RecordRateGateWait records how long a caller blocked in Gate.Wait for
// the named limiter kind.
func RecordRateGateWait(kind string, seconds float64) {
	rateGateWaitSeconds.WithLabelValues(kind).Observe(seconds)
}

// RecordPublishBatch records the size of a completed publish batch.
func RecordPublishBatch(size int) {
	publishBatchSize.Observe(float64(size))
}

// setSnapshotGauges refreshes the per-state gauge from a freshly
// collected Stats so /metrics always reflects the same numbers /stats
// just reported.
func setSnapshotGauges(stats Stats) {
	for state, count := range stats.SnapshotsByState {
		snapshotsByState.WithLabelValues(state).Set(float64(count))
	}
}
