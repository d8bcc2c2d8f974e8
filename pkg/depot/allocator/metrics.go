package allocator

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	allocatorPrometheusMetrics sync.Once

	allocatorAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "allocator_allocations_total",
			Help:      "Number of blocks successfully allocated by the block allocator, by zone.",
		},
		[]string{"zone"})
	allocatorNoSpaceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "allocator_no_space_total",
			Help:      "Number of allocation attempts that reported NO_SPACE, by zone.",
		},
		[]string{"zone"})
	allocatorReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "allocator_releases_total",
			Help:      "Number of reference releases that dropped a block's count to zero, by zone.",
		},
		[]string{"zone"})
	allocatorSlabsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "allocator_slabs_opened_total",
			Help:      "Number of times a never-before-used slab was promoted to open_slab, by zone.",
		},
		[]string{"zone"})
	allocatorSlabsReopenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "allocator_slabs_reopened_total",
			Help:      "Number of times a slab with existing journal history was promoted to open_slab, by zone.",
		},
		[]string{"zone"})
)

// registerAllocatorMetrics registers every allocator metric exactly
// once, mirroring the sync.Once + prometheus.MustRegister pattern used
// throughout this module's metrics.
func registerAllocatorMetrics() {
	allocatorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(allocatorAllocationsTotal)
		prometheus.MustRegister(allocatorNoSpaceTotal)
		prometheus.MustRegister(allocatorReleasesTotal)
		prometheus.MustRegister(allocatorSlabsOpenedTotal)
		prometheus.MustRegister(allocatorSlabsReopenedTotal)
	})
}

// zoneMetrics bundles the counter instances for a single zone, so the
// allocator's hot paths don't re-resolve label values on every call.
type zoneMetrics struct {
	allocations   prometheus.Counter
	noSpace       prometheus.Counter
	releases      prometheus.Counter
	slabsOpened   prometheus.Counter
	slabsReopened prometheus.Counter
}

func newZoneMetrics(zone int) zoneMetrics {
	registerAllocatorMetrics()
	label := strconv.Itoa(zone)
	return zoneMetrics{
		allocations:   allocatorAllocationsTotal.WithLabelValues(label),
		noSpace:       allocatorNoSpaceTotal.WithLabelValues(label),
		releases:      allocatorReleasesTotal.WithLabelValues(label),
		slabsOpened:   allocatorSlabsOpenedTotal.WithLabelValues(label),
		slabsReopened: allocatorSlabsReopenedTotal.WithLabelValues(label),
	}
}
