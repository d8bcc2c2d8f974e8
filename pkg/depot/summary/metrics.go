package summary

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	summaryPrometheusMetrics sync.Once

	summarySectorsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "summary_sectors_written_total",
			Help:      "Number of slab summary sectors flushed to storage.",
		})
)

func registerSummaryMetrics() {
	summaryPrometheusMetrics.Do(func() {
		prometheus.MustRegister(summarySectorsWrittenTotal)
	})
}
