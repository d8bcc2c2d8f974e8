package depot

import (
	"context"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
)

// PeriodicSyncer drives Depot.Sync() on a fixed interval: the
// clock-driven "periodic flush" tail-seal trigger named alongside
// full and drain (spec.md §4.3). It is structured after the teacher's
// own PeriodicSyncer — a clock.Clock-driven timer loop that logs
// failures through an ErrorLogger rather than returning them, since
// nothing is blocked waiting on a background sync to finish.
type PeriodicSyncer struct {
	depot       *Depot
	clock       clock.Clock
	errorLogger util.ErrorLogger
	interval    time.Duration
}

// NewPeriodicSyncer creates a PeriodicSyncer for depot. Call Run in
// its own goroutine.
func NewPeriodicSyncer(depot *Depot, syncClock clock.Clock, errorLogger util.ErrorLogger, interval time.Duration) *PeriodicSyncer {
	return &PeriodicSyncer{
		depot:       depot,
		clock:       syncClock,
		errorLogger: errorLogger,
		interval:    interval,
	}
}

// Run calls Sync() every interval until ctx is cancelled, logging (but
// not acting further on) any failure — a sync that fails once gets
// another chance on the next tick, same as the full/drain triggers
// aren't retried by this loop either.
func (ps *PeriodicSyncer) Run(ctx context.Context) {
	for {
		_, t := ps.clock.NewTimer(ps.interval)
		select {
		case <-ctx.Done():
			return
		case <-t:
		}
		if err := ps.depot.Sync(); err != nil {
			ps.errorLogger.Log(util.StatusWrap(err, "Periodic slab depot sync failed"))
		}
	}
}
