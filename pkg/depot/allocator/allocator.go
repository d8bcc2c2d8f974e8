// Package allocator implements the per-zone Block Allocator (C7): the
// allocation policy and lifecycle driver that sits on top of a zone's
// slabs, their reference counts and journals, the zone's priority
// table, and its scrubber.
package allocator

import (
	"math/bits"
	"sync/atomic"

	"github.com/buildbarn/bb-storage/pkg/depot/journal"
	"github.com/buildbarn/bb-storage/pkg/depot/physical"
	"github.com/buildbarn/bb-storage/pkg/depot/priority"
	"github.com/buildbarn/bb-storage/pkg/depot/readonly"
	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"
	"github.com/buildbarn/bb-storage/pkg/depot/scrubber"
	"github.com/buildbarn/bb-storage/pkg/depot/slab"
	"github.com/buildbarn/bb-storage/pkg/depot/summary"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AdminState is the allocator's coarse lifecycle state, separate from
// any individual slab's state.
type AdminState int

const (
	AdminNormal AdminState = iota
	AdminDraining
	AdminDrained
)

func floorLog2(x uint64) int {
	if x == 0 {
		return -1
	}
	return bits.Len64(x) - 1
}

// Allocator is the per-zone block allocator. Not safe for concurrent
// use by anything other than its own allocator thread, except for
// AllocatedBlocks and DataBlocks, which use relaxed atomic loads per
// spec.md §5.
type Allocator struct {
	zone      int
	geometry  physical.Geometry
	slabCount uint64 // depot-wide slab count, for PBN->slab arithmetic

	slabs map[uint64]*slab.Slab // this zone's slabs, keyed by global slab number

	table    *priority.Table[*slab.Slab]
	openSlab *slab.Slab

	scrubberRef *scrubber.Scrubber
	summaryZone *summary.Zone

	readOnly    *readonly.Notifier
	errorLogger util.ErrorLogger

	unopenedSlabPriority int

	allocatedBlocks atomic.Uint64
	dataBlocks      atomic.Uint64

	allocationWaiters []func(physical.PBN, error)

	adminState AdminState

	metrics zoneMetrics

	slabsOpenedCount    uint64
	slabsReopenedCount  uint64
	blocksScrubbedCount uint64
}

// Statistics is a point-in-time snapshot of a zone's allocation
// activity, per spec.md's "Supplemented features" slab-statistics
// commitment. Safe to call from any thread; fields may be
// inconsistent with each other if read concurrently with mutation.
type Statistics struct {
	Zone             int
	AllocatedBlocks  uint64
	DataBlocks       uint64
	SlabsOpened      uint64
	SlabsReopened    uint64
	BlocksScrubbed   uint64
	PendingScrubbing int
}

// Statistics returns a snapshot of this zone's allocation counters.
func (a *Allocator) Statistics() Statistics {
	return Statistics{
		Zone:             a.zone,
		AllocatedBlocks:  a.AllocatedBlocks(),
		DataBlocks:       a.DataBlocks(),
		SlabsOpened:      atomic.LoadUint64(&a.slabsOpenedCount),
		SlabsReopened:    atomic.LoadUint64(&a.slabsReopenedCount),
		BlocksScrubbed:   atomic.LoadUint64(&a.blocksScrubbedCount),
		PendingScrubbing: a.scrubberRef.PendingCount(),
	}
}

// New creates an empty allocator for one zone. Slabs are added with
// AddSlab after construction (typically by the depot, while decoding).
// dataBlocksPerSlab is used only to size the priority table and derive
// the unopened-slab priority bucket U, per spec.md §4.7; it is assumed
// uniform across the zone's slabs.
func New(zone int, geometry physical.Geometry, depotSlabCount, dataBlocksPerSlab uint64, readOnly *readonly.Notifier, errorLogger util.ErrorLogger, journalReader scrubber.JournalReader, summaryZone *summary.Zone) *Allocator {
	u := 1 + floorLog2(dataBlocksPerSlab*3/4)
	maxPriority := floorLog2(dataBlocksPerSlab) + 2
	if maxPriority < u {
		maxPriority = u
	}

	a := &Allocator{
		zone:                 zone,
		geometry:             geometry,
		slabCount:            depotSlabCount,
		slabs:                make(map[uint64]*slab.Slab),
		table:                priority.NewTable[*slab.Slab](maxPriority),
		summaryZone:          summaryZone,
		readOnly:             readOnly,
		errorLogger:          errorLogger,
		unopenedSlabPriority: u,
		metrics:              newZoneMetrics(zone),
	}
	a.scrubberRef = scrubber.New(journalReader, a, readOnly, errorLogger, 0)
	return a
}

// Zone returns this allocator's zone number.
func (a *Allocator) Zone() int { return a.zone }

// AddSlab registers a slab with this allocator and binds it as the
// slab's Host. Must be called before the slab is queued.
func (a *Allocator) AddSlab(sl *slab.Slab) {
	sl.SetHost(a)
	a.slabs[sl.Number()] = sl
	a.dataBlocks.Add(sl.DataBlocks())
}

// AllocatedBlocks returns the number of non-provisional, non-zero
// counters across every slab this allocator owns. Safe to call from
// any thread.
func (a *Allocator) AllocatedBlocks() uint64 {
	return a.allocatedBlocks.Load()
}

// DataBlocks returns the total data-block capacity of every slab this
// allocator owns. Safe to call from any thread.
func (a *Allocator) DataBlocks() uint64 {
	return a.dataBlocks.Load()
}

// AdjustAllocatedBlockCount implements slab.Host: it is called by a
// slab every time one of its counters transitions across the
// free/non-free boundary.
func (a *Allocator) AdjustAllocatedBlockCount(freeCountIncreased bool) {
	if freeCountIncreased {
		a.allocatedBlocks.Add(^uint64(0)) // -1
	} else {
		a.allocatedBlocks.Add(1)
	}
}

// PriorityFor implements slab.Host, computing the priority bucket per
// spec.md §4.7: F == 0 slabs are priority 0; slabs whose journal has
// never been opened are priority U; otherwise priority is
// 1+floor(log2(F)), stepped over U by one so a real magnitude never
// collides with the unopened bucket.
func (a *Allocator) PriorityFor(free, dataBlocks uint64, journalBlank bool) int {
	if free == 0 {
		return 0
	}
	if journalBlank {
		return a.unopenedSlabPriority
	}
	p := 1 + floorLog2(free)
	if p < a.unopenedSlabPriority {
		return p
	}
	return p + 1
}

// Requeue implements slab.Host.
func (a *Allocator) Requeue(node *priority.Node[*slab.Slab], newPriority int) {
	a.table.Remove(node)
	a.table.Enqueue(newPriority, node)
}

// EnqueueForScrubbing implements slab.Host.
func (a *Allocator) EnqueueForScrubbing(s *slab.Slab, highPriority bool) {
	a.scrubberRef.Enqueue(s, highPriority)
}

// NotifySlabAvailable implements scrubber.WaiterSet: once a slab
// finishes scrubbing, the blocks its replayed reference counts hold
// are added to the allocated-block count, it is queued into the
// priority table and any allocation requests that had been left
// pending are retried.
func (a *Allocator) NotifySlabAvailable(s *slab.Slab) {
	atomic.AddUint64(&a.blocksScrubbedCount, s.DataBlocks()-s.FreeCount())
	a.allocatedBlocks.Add(s.DataBlocks() - s.FreeCount())
	s.Queue()
	for len(a.allocationWaiters) > 0 {
		pbn, err := a.allocate()
		if err != nil {
			break
		}
		cb := a.allocationWaiters[0]
		a.allocationWaiters = a.allocationWaiters[1:]
		cb(pbn, nil)
	}
}

func (a *Allocator) openNextSlab() bool {
	node, ok := a.table.DequeueMax()
	if !ok {
		return false
	}
	a.openSlab = node.Value
	a.openSlab.SetOpenSlab(true)
	// A slab whose journal has never been opened is being opened for
	// the first time; one that already has journal history (from a
	// prior open, now requeued after being emptied and refilled) is
	// being reopened.
	if a.openSlab.Journal().IsBlank() {
		atomic.AddUint64(&a.slabsOpenedCount, 1)
		a.metrics.slabsOpened.Inc()
	} else {
		atomic.AddUint64(&a.slabsReopenedCount, 1)
		a.metrics.slabsReopened.Inc()
	}
	return true
}

// allocate is the synchronous core of Allocate: it never blocks and
// never enqueues a waiter.
func (a *Allocator) allocate() (physical.PBN, error) {
	if a.readOnly.IsReadOnly() {
		return 0, ErrReadOnly
	}
	if a.openSlab == nil && !a.openNextSlab() {
		a.metrics.noSpace.Inc()
		return 0, ErrNoSpace
	}

	pbn, err := a.openSlab.Counts().AllocateUnreferenced()
	if err == nil {
		a.openSlab.AdjustFreeBlockCount(false)
		a.metrics.allocations.Inc()
		return pbn, nil
	}

	// The open slab is exhausted: requeue it (now at priority 0) and
	// try exactly once more with the next-highest-priority slab, per
	// spec.md §4.7.
	a.openSlab.SetOpenSlab(false)
	a.openSlab.Queue()
	if !a.openNextSlab() {
		a.metrics.noSpace.Inc()
		return 0, ErrNoSpace
	}
	pbn, err = a.openSlab.Counts().AllocateUnreferenced()
	if err != nil {
		a.metrics.noSpace.Inc()
		return 0, ErrNoSpace
	}
	a.openSlab.AdjustFreeBlockCount(false)
	a.metrics.allocations.Inc()
	return pbn, nil
}

// Allocate attempts a single synchronous allocation. It returns
// ErrNoSpace without mutating any state if the zone is currently
// full, regardless of whether the scrubber might still produce a
// usable slab (use AllocateAsync to wait on that).
func (a *Allocator) Allocate() (physical.PBN, error) {
	return a.allocate()
}

// AllocateAsync attempts an allocation and invokes callback. If the
// zone is immediately full but the scrubber still has slabs pending,
// the request is parked until a scrubbed slab becomes available or
// the scrubber finishes with nothing left to offer (ScrubAll then
// fails every pending waiter with ErrNoSpace). callback may be invoked
// synchronously, from this call, or later from NotifySlabAvailable /
// ScrubAll.
func (a *Allocator) AllocateAsync(callback func(physical.PBN, error)) {
	pbn, err := a.allocate()
	if err == nil || status.Code(err) != codes.ResourceExhausted {
		callback(pbn, err)
		return
	}
	if !a.scrubberRef.IsScrubbing() {
		callback(0, ErrNoSpace)
		return
	}
	a.allocationWaiters = append(a.allocationWaiters, callback)
}

// ReleaseReference issues a DATA_DECREMENT against the slab that owns
// pbn. The zero PBN is a no-op, per spec.md §3.
// recoveryJournalLockID is supplied by the (externally owned)
// recovery-journal zone that this entry's durability is blocking.
func (a *Allocator) ReleaseReference(pbn physical.PBN, recoveryJournalLockID uint64) error {
	if pbn.IsZero() {
		return nil
	}
	if a.readOnly.IsReadOnly() {
		return ErrReadOnly
	}
	sl, err := a.slabForPBN(pbn)
	if err != nil {
		return err
	}
	result, err := sl.Counts().Modify(refcounts.Operation{Type: refcounts.DataDecrement, PBN: pbn, RecoveryJournalLockID: recoveryJournalLockID})
	if err != nil {
		a.readOnly.Enter(err)
		return err
	}
	if result.FreeCountIncreased {
		sl.AdjustFreeBlockCount(true)
		a.metrics.releases.Inc()
	}
	if result.NeedsJournalEntry {
		if err := a.appendJournalEntry(sl, refcounts.DataDecrement, pbn, recoveryJournalLockID); err != nil {
			return err
		}
	}
	return nil
}

// ConfirmProvisional issues the journaled increment that turns a
// provisional claim from AllocateUnreferenced into a durable
// reference, for either a data block or a block-map block.
func (a *Allocator) ConfirmProvisional(pbn physical.PBN, blockMap bool, recoveryJournalLockID uint64) error {
	if a.readOnly.IsReadOnly() {
		return ErrReadOnly
	}
	sl, err := a.slabForPBN(pbn)
	if err != nil {
		return err
	}
	opType := refcounts.DataIncrement
	if blockMap {
		opType = refcounts.BlockMapIncrement
	}
	result, err := sl.Counts().Modify(refcounts.Operation{Type: opType, PBN: pbn, RecoveryJournalLockID: recoveryJournalLockID})
	if err != nil {
		a.readOnly.Enter(err)
		return err
	}
	if result.NeedsJournalEntry {
		return a.appendJournalEntry(sl, opType, pbn, recoveryJournalLockID)
	}
	return nil
}

// VacateProvisional releases a provisional claim that will never be
// confirmed, restoring the slab's free count, per spec.md §8 boundary
// behavior 10. No journal entry is produced.
func (a *Allocator) VacateProvisional(pbn physical.PBN) error {
	if a.readOnly.IsReadOnly() {
		return ErrReadOnly
	}
	sl, err := a.slabForPBN(pbn)
	if err != nil {
		return err
	}
	if err := sl.Counts().VacateProvisional(pbn); err != nil {
		a.readOnly.Enter(err)
		return err
	}
	sl.AdjustFreeBlockCount(true)
	return nil
}

func (a *Allocator) appendJournalEntry(sl *slab.Slab, op refcounts.OperationType, pbn physical.PBN, recoveryJournalLockID uint64) error {
	offset := uint32(a.geometry.OffsetWithinSlab(pbn, sl.Number()))
	entry := journal.Entry{Offset: offset, Operation: op, RecoveryJournalLockID: recoveryJournalLockID}
	_, err := sl.Journal().Append(entry, nil)
	if err == journal.ErrMustWait {
		// The tail ring is momentarily full; the caller is expected to
		// retry once a tail is released (spec.md §4.3). This is not an
		// invariant violation, so read-only mode is not entered.
		return err
	}
	if err != nil {
		a.readOnly.Enter(err)
		return err
	}
	return nil
}

func (a *Allocator) slabForPBN(pbn physical.PBN) (*slab.Slab, error) {
	number, found, err := a.geometry.SlabNumberForPBN(pbn, a.slabCount)
	if err != nil {
		a.readOnly.Enter(err)
		return nil, err
	}
	if !found {
		return nil, status.Error(codes.InvalidArgument, "zero PBN has no enclosing slab")
	}
	sl, ok := a.slabs[number]
	if !ok {
		return nil, status.Errorf(codes.OutOfRange, "slab %d is not owned by zone %d", number, a.zone)
	}
	return sl, nil
}

// SyncSummary flushes this zone's slab summary to storage, if it has
// one. A zone with no summary device (e.g. in tests) is a no-op.
func (a *Allocator) SyncSummary() error {
	if a.summaryZone == nil {
		return nil
	}
	if err := a.summaryZone.Sync(); err != nil {
		a.readOnly.Enter(err)
		return err
	}
	return nil
}

// ReleaseTailBlockLocks drives release_recovery_journal_lock across
// every slab this allocator owns, summing the number of tails
// released. Invoked from the depot's commit_oldest_slab_journal_tail_blocks.
func (a *Allocator) ReleaseTailBlockLocks(minKeptRecoveryJournalID uint64) int {
	released := 0
	for _, sl := range a.slabs {
		released += sl.Journal().ReleaseRecoveryJournalLock(minKeptRecoveryJournalID)
	}
	return released
}

// ScrubAll drains the scrubber's worklists entirely, then fails any
// allocation request still waiting with ErrNoSpace.
func (a *Allocator) ScrubAll() error {
	for a.scrubberRef.IsScrubbing() {
		if _, err := a.scrubberRef.ScrubNext(); err != nil {
			return err
		}
	}
	for _, cb := range a.allocationWaiters {
		cb(0, ErrNoSpace)
	}
	a.allocationWaiters = nil
	return nil
}

// Drain advances the allocator's admin state SCRUBBER -> SLABS ->
// SUMMARY -> FINISHED: it drains the scrubber, closes every open
// slab, and flushes the summary.
func (a *Allocator) Drain() error {
	a.adminState = AdminDraining
	if err := a.ScrubAll(); err != nil {
		return err
	}
	for _, sl := range a.slabs {
		if sl.State() == slab.StateOpen {
			if err := sl.Close(); err != nil {
				return err
			}
		}
	}
	a.openSlab = nil
	if a.summaryZone != nil {
		if err := a.summaryZone.Sync(); err != nil {
			a.readOnly.Enter(err)
			return err
		}
	}
	a.adminState = AdminDrained
	return nil
}

// Resume reverses Drain: SUMMARY -> SLABS -> SCRUBBER, reopening every
// quiescent or dirty-closed slab and re-queuing it.
func (a *Allocator) Resume() error {
	if a.adminState != AdminDrained {
		return status.Error(codes.FailedPrecondition, "allocator is not drained")
	}
	for _, sl := range a.slabs {
		switch sl.State() {
		case slab.StateQuiescent, slab.StateDirtyClosed:
			if err := sl.StartResume(); err != nil {
				return err
			}
			if err := sl.FinishResume(); err != nil {
				return err
			}
			sl.Queue()
		}
	}
	a.adminState = AdminNormal
	return nil
}

// AdminState returns the allocator's current lifecycle state.
func (a *Allocator) AdminState() AdminState { return a.adminState }

// IsScrubbing reports whether the zone's scrubber still has slabs
// pending.
func (a *Allocator) IsScrubbing() bool { return a.scrubberRef.IsScrubbing() }
