package scrubber

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	scrubberPrometheusMetrics sync.Once

	scrubsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "scrubber_slabs_scrubbed_total",
			Help:      "Number of slabs successfully scrubbed.",
		})
	scrubsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "scrubber_slabs_failed_total",
			Help:      "Number of slabs that failed to scrub and triggered read-only mode.",
		})
	scrubDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "scrubber_scrub_duration_seconds",
			Help:      "Time taken to replay a single slab's journal and reopen it.",
			Buckets:   prometheus.DefBuckets,
		})
)

func registerScrubberMetrics() {
	scrubberPrometheusMetrics.Do(func() {
		prometheus.MustRegister(scrubsCompletedTotal)
		prometheus.MustRegister(scrubsFailedTotal)
		prometheus.MustRegister(scrubDurationSeconds)
	})
}
