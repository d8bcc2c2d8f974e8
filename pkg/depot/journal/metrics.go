package journal

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	journalPrometheusMetrics sync.Once

	journalTailsSealedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "journal_tail_blocks_sealed_total",
			Help:      "Number of slab journal tail blocks sealed, across every slab.",
		})
	journalTailsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "journal_tail_blocks_released_total",
			Help:      "Number of slab journal tail blocks whose recovery-journal lock was released.",
		})
)

func registerJournalMetrics() {
	journalPrometheusMetrics.Do(func() {
		prometheus.MustRegister(journalTailsSealedTotal)
		prometheus.MustRegister(journalTailsReleasedTotal)
	})
}
