// Package depot implements the Slab Depot (C8): the top-level owner of
// every slab and per-zone allocator, responsible for routing physical
// block numbers to the zone that owns them and for fanning admin
// operations out across zones.
package depot

import (
	"container/heap"
	"sync/atomic"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/depot/allocator"
	"github.com/buildbarn/bb-storage/pkg/depot/journal"
	"github.com/buildbarn/bb-storage/pkg/depot/physical"
	"github.com/buildbarn/bb-storage/pkg/depot/readonly"
	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"
	"github.com/buildbarn/bb-storage/pkg/depot/scrubber"
	"github.com/buildbarn/bb-storage/pkg/depot/slab"
	"github.com/buildbarn/bb-storage/pkg/depot/summary"
	"github.com/buildbarn/bb-storage/pkg/util"

	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoadType distinguishes a normal bring-up, which trusts the summary's
// hints, from a forced rebuild, which scrubs every slab regardless.
type LoadType int

const (
	LoadNormal LoadType = iota
	LoadRebuild
)

// SlabRecord is the durable, per-slab portion of a depot state record:
// enough to reconstruct a slab and decide, at load time, whether it
// needs scrubbing.
type SlabRecord struct {
	Number          uint64
	IsClean         bool
	LoadRefCounts   bool
	FullnessHint    uint8
}

// Config bundles the construction-time parameters shared by every
// slab and allocator in a depot.
type Config struct {
	Geometry                  physical.Geometry
	ZoneCount                 int
	DataBlocksPerSlab         uint64
	JournalEntriesPerBlock    int
	JournalMaxUnreleasedTails int
	JournalAllowCoalescing    bool
	SummarySectorSizeBytes    int
}

// Depot owns every slab (dense by slab number) and one allocator per
// zone, and routes operations between them.
type Depot struct {
	config    Config
	slabCount uint64

	slabs      map[uint64]*slab.Slab
	allocators []*allocator.Allocator

	summaryDevice blockdevice.BlockDevice
	journalWriter *DeviceJournalWriter

	readOnly    *readonly.Notifier
	errorLogger util.ErrorLogger

	loadType LoadType

	newSlabs     []*slab.Slab
	newSlabCount uint64

	// recoveryNonce is generated fresh on every Decode and included
	// in read-only escalation log lines, so operators can correlate
	// a crash report against the load it happened during.
	recoveryNonce uuid.UUID

	journalBlocksWrittenCount uint64
}

// RecoveryNonce returns the nonce generated for this depot's current
// load. It has no on-disk meaning of its own; it exists purely to tag
// diagnostics from a single bring-up.
func (d *Depot) RecoveryNonce() uuid.UUID { return d.recoveryNonce }

// Decode reconstructs a depot's slabs and allocators from a state
// record, per spec.md §4.8. Slabs are partitioned across zones by
// slab_number mod zone_count. Load-time ordering (spec.md §4.7) is
// applied immediately: each slab is either queued directly or
// registered with its zone's scrubber.
func Decode(records []SlabRecord, cfg Config, loadType LoadType, readOnly *readonly.Notifier, errorLogger util.ErrorLogger, journalReader scrubber.JournalReader, summaryDevice blockdevice.BlockDevice) (*Depot, error) {
	if cfg.ZoneCount <= 0 {
		return nil, status.Error(codes.InvalidArgument, "zone count must be positive")
	}

	var generateNonce util.UUIDGenerator = uuid.NewRandom
	nonce, err := generateNonce()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to generate recovery nonce: %s", err)
	}

	d := &Depot{
		config:        cfg,
		slabCount:     uint64(len(records)),
		slabs:         make(map[uint64]*slab.Slab, len(records)),
		allocators:    make([]*allocator.Allocator, cfg.ZoneCount),
		summaryDevice: summaryDevice,
		readOnly:      readOnly,
		errorLogger:   errorLogger,
		loadType:      loadType,
		recoveryNonce: nonce,
	}

	summaryZones := make([]*summary.Zone, cfg.ZoneCount)
	slabCountByZone := make([]int, cfg.ZoneCount)
	for _, r := range records {
		slabCountByZone[zoneForSlab(r.Number, cfg.ZoneCount)]++
	}
	sectorOffset := int64(0)
	for z := 0; z < cfg.ZoneCount; z++ {
		if summaryDevice != nil {
			summaryZones[z] = summary.NewZone(summaryDevice, cfg.SummarySectorSizeBytes, sectorOffset, slabCountByZone[z])
			sectorOffset += summary.RegionSizeSectors(slabCountByZone[z], cfg.SummarySectorSizeBytes)
		}
		d.allocators[z] = allocator.New(z, cfg.Geometry, d.slabCount, cfg.DataBlocksPerSlab, readOnly, errorLogger, journalReader, summaryZones[z])
	}

	h := &loadHeap{}
	heap.Init(h)
	for _, r := range records {
		origin := cfg.Geometry.SlabOrigin(r.Number)
		j := journal.New(origin, cfg.JournalEntriesPerBlock, cfg.JournalMaxUnreleasedTails, cfg.JournalAllowCoalescing)
		sl := slab.New(r.Number, origin, cfg.DataBlocksPerSlab, j)
		d.slabs[r.Number] = sl

		zone := zoneForSlab(r.Number, cfg.ZoneCount)
		d.allocators[zone].AddSlab(sl)

		heap.Push(h, &loadItem{record: r, slab: sl})
	}

	for h.Len() > 0 {
		item := heap.Pop(h).(*loadItem)
		d.applyLoadOrdering(item.record, item.slab)
	}

	return d, nil
}

func zoneForSlab(slabNumber uint64, zoneCount int) int {
	return int(slabNumber % uint64(zoneCount))
}

// applyLoadOrdering implements the two branches of spec.md §4.7's
// load-time ordering.
func (d *Depot) applyLoadOrdering(r SlabRecord, sl *slab.Slab) {
	if err := sl.StartLoad(); err != nil {
		d.enterReadOnly(err)
		return
	}

	noScrubNeeded := d.loadType == LoadNormal && r.IsClean && !r.LoadRefCounts
	if noScrubNeeded {
		if err := sl.FinishLoadClean(refcounts.New(sl.Origin(), sl.DataBlocks())); err != nil {
			d.enterReadOnly(err)
			return
		}
		sl.Queue()
		return
	}

	if err := sl.FinishLoadNeedsScrub(); err != nil {
		d.enterReadOnly(err)
		return
	}
	highPriority := (r.IsClean && d.loadType == LoadNormal) || r.LoadRefCounts
	if err := sl.QueueForScrub(highPriority); err != nil {
		d.enterReadOnly(err)
	}
}

// enterReadOnly tags cause with this load's recovery nonce before
// escalating, so a read-only crash report can be correlated back to
// the bring-up that produced it.
func (d *Depot) enterReadOnly(cause error) {
	d.readOnly.Enter(status.Errorf(codes.Unknown, "[recovery-nonce %s] %s", d.recoveryNonce, cause))
}

// GetSlab returns the slab containing pbn, nil for the distinguished
// zero block, and an out-of-range error (which also trips read-only
// mode) for any other PBN this depot does not own.
func (d *Depot) GetSlab(pbn physical.PBN) (*slab.Slab, error) {
	number, found, err := d.config.Geometry.SlabNumberForPBN(pbn, d.slabCount)
	if err != nil {
		d.enterReadOnly(err)
		return nil, err
	}
	if !found {
		return nil, nil
	}
	sl, ok := d.slabs[number]
	if !ok {
		err := status.Errorf(codes.OutOfRange, "slab %d does not exist", number)
		d.enterReadOnly(err)
		return nil, err
	}
	return sl, nil
}

// SetJournalWriter installs the device writer Sync uses to flush
// newly sealed slab journal tails. A depot with no writer installed
// (the default) still seals every slab's journal tail on Sync, but
// does not persist the sealed tails; it only flushes the slab summary.
func (d *Depot) SetJournalWriter(w *DeviceJournalWriter) {
	d.journalWriter = w
}

// GetBlockAllocatorForZone returns the allocator owning the given
// zone.
func (d *Depot) GetBlockAllocatorForZone(zone int) *allocator.Allocator {
	return d.allocators[zone]
}

// ZoneCount returns the number of zones in this depot.
func (d *Depot) ZoneCount() int { return len(d.allocators) }

// AllocatedBlocks returns the sum of AllocatedBlocks across every
// zone. Safe to call from any thread.
func (d *Depot) AllocatedBlocks() uint64 {
	var total uint64
	for _, a := range d.allocators {
		total += a.AllocatedBlocks()
	}
	return total
}

// DataBlocks returns the sum of DataBlocks across every zone. Safe to
// call from any thread.
func (d *Depot) DataBlocks() uint64 {
	var total uint64
	for _, a := range d.allocators {
		total += a.DataBlocks()
	}
	return total
}

// Statistics is a point-in-time snapshot of the whole depot's
// allocation activity, aggregated from every zone's
// allocator.Statistics.
type Statistics struct {
	AllocatedBlocks      uint64
	DataBlocks           uint64
	SlabsOpened          uint64
	SlabsReopened        uint64
	BlocksScrubbed       uint64
	JournalBlocksWritten uint64
	PendingScrubbing     int
	Zones                []allocator.Statistics
}

// Statistics returns a snapshot aggregating every zone's allocator
// counters. Safe to call from any thread.
func (d *Depot) Statistics() Statistics {
	stats := Statistics{Zones: make([]allocator.Statistics, len(d.allocators))}
	for i, a := range d.allocators {
		zs := a.Statistics()
		stats.Zones[i] = zs
		stats.AllocatedBlocks += zs.AllocatedBlocks
		stats.DataBlocks += zs.DataBlocks
		stats.SlabsOpened += zs.SlabsOpened
		stats.SlabsReopened += zs.SlabsReopened
		stats.BlocksScrubbed += zs.BlocksScrubbed
		stats.PendingScrubbing += zs.PendingScrubbing
	}
	stats.JournalBlocksWritten = atomic.LoadUint64(&d.journalBlocksWrittenCount)
	registerDepotMetrics()
	depotAllocatedBlocks.Set(float64(stats.AllocatedBlocks))
	depotDataBlocks.Set(float64(stats.DataBlocks))
	return stats
}

// Sync forces every slab to seal its current (possibly partial)
// journal tail and, if a journal writer is installed, flushes the
// sealed tail to storage; it then flushes every zone's outstanding
// slab summary writes. Tail locks themselves are released
// independently, once durable, via CommitOldestSlabJournalTailBlocks.
func (d *Depot) Sync() error {
	for _, sl := range d.slabs {
		tail := sl.Journal().Seal()
		if tail == nil || d.journalWriter == nil {
			continue
		}
		if err := d.journalWriter.writeTail(sl, tail); err != nil {
			d.enterReadOnly(err)
			return err
		}
		atomic.AddUint64(&d.journalBlocksWrittenCount, 1)
	}
	return d.runZoneAction(func(a *allocator.Allocator) error { return a.SyncSummary() })
}

// CommitOldestSlabJournalTailBlocks is called from the (externally
// owned) recovery-journal zone's thread once recoveryBlockNumber is
// the oldest block it still needs. It drives every allocator's
// ReleaseTailBlockLocks via the zone action fan-out and returns the
// total number of tails released.
func (d *Depot) CommitOldestSlabJournalTailBlocks(recoveryBlockNumber uint64) int {
	var total int64
	d.runZoneAction(func(a *allocator.Allocator) error {
		atomic.AddInt64(&total, int64(a.ReleaseTailBlockLocks(recoveryBlockNumber)))
		return nil
	})
	return int(total)
}

// Drain runs the zone action that advances every allocator through
// SCRUBBER -> SLABS -> SUMMARY -> FINISHED.
func (d *Depot) Drain() error {
	return d.runZoneAction(func(a *allocator.Allocator) error { return a.Drain() })
}

// Resume reverses Drain across every zone.
func (d *Depot) Resume() error {
	return d.runZoneAction(func(a *allocator.Allocator) error { return a.Resume() })
}

// ScrubAll drives every zone's scrubber to completion.
func (d *Depot) ScrubAll() error {
	return d.runZoneAction(func(a *allocator.Allocator) error { return a.ScrubAll() })
}

// runZoneAction fans fn out across every zone (spec.md §4.8: "1 zone
// active at a time per action" in the original single-threaded
// driver; here every allocator is independent so running them in
// sequence is sufficient to preserve that contract) and reports the
// first non-nil error, matching the action manager's single aggregate
// completion.
func (d *Depot) runZoneAction(fn func(*allocator.Allocator) error) error {
	var first error
	for _, a := range d.allocators {
		if err := fn(a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PrepareToGrow allocates (but does not yet install) slabs for the
// given new records, as scratch state for a subsequent UseNewSlabs or
// AbandonNewSlabs.
func (d *Depot) PrepareToGrow(records []SlabRecord) {
	d.newSlabs = make([]*slab.Slab, 0, len(records))
	for _, r := range records {
		origin := d.config.Geometry.SlabOrigin(r.Number)
		j := journal.New(origin, d.config.JournalEntriesPerBlock, d.config.JournalMaxUnreleasedTails, d.config.JournalAllowCoalescing)
		d.newSlabs = append(d.newSlabs, slab.New(r.Number, origin, d.config.DataBlocksPerSlab, j))
	}
	d.newSlabCount = uint64(len(records))
}

// UseNewSlabs promotes every slab prepared by PrepareToGrow into the
// live depot: each is added to its zone's allocator, opened directly
// (a freshly grown slab is always clean), and queued.
func (d *Depot) UseNewSlabs() error {
	for _, sl := range d.newSlabs {
		d.slabs[sl.Number()] = sl
		zone := zoneForSlab(sl.Number(), len(d.allocators))
		d.allocators[zone].AddSlab(sl)
		if err := sl.StartLoad(); err != nil {
			return err
		}
		if err := sl.FinishLoadClean(refcounts.New(sl.Origin(), sl.DataBlocks())); err != nil {
			return err
		}
		sl.Queue()
	}
	d.slabCount += d.newSlabCount
	d.newSlabs = nil
	d.newSlabCount = 0
	return nil
}

// AbandonNewSlabs discards the scratch state built by PrepareToGrow.
func (d *Depot) AbandonNewSlabs() {
	d.newSlabs = nil
	d.newSlabCount = 0
}
