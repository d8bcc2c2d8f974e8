package depot

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	depotPrometheusMetrics sync.Once

	depotAllocatedBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "depot_allocated_blocks",
			Help:      "Total number of referenced blocks across every zone, as of the last Statistics() call.",
		})
	depotDataBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "slab_depot",
			Name:      "depot_data_blocks",
			Help:      "Total data-block capacity across every zone, as of the last Statistics() call.",
		})
)

func registerDepotMetrics() {
	depotPrometheusMetrics.Do(func() {
		prometheus.MustRegister(depotAllocatedBlocks)
		prometheus.MustRegister(depotDataBlocks)
	})
}
