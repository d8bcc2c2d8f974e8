// Package refcounts implements the dense per-slab reference-count array
// (C2): the data structure that tracks, per physical block, how many
// logical blocks currently deduplicate onto it.
package refcounts

import (
	"github.com/buildbarn/bb-storage/pkg/depot/physical"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Counter is the state of a single reference-counted physical block.
// Values 1..CounterMax-1 are ordinary shared-reference counts,
// CounterMax is a saturating ceiling (further increments are no-ops and
// never wrap), and CounterProvisional is a sentinel outside the numeric
// range entirely, meaning "optimistically claimed, not yet journaled".
type Counter uint8

const (
	// CounterFree indicates the block holds no references.
	CounterFree Counter = 0
	// CounterMax is the saturating ceiling for shared references.
	CounterMax Counter = 254
	// CounterProvisional marks a block claimed by AllocateUnreferenced
	// but not yet confirmed by a journaled DATA_INCREMENT.
	CounterProvisional Counter = 255
)

// OperationType distinguishes the four kinds of reference-count
// mutation. BlockMap variants carry identical counter semantics to
// their Data counterparts; they exist so the slab journal can record
// which kind of block (data vs. metadata-tree) an entry refers to.
type OperationType int

const (
	DataIncrement OperationType = iota
	DataDecrement
	BlockMapIncrement
	BlockMapDecrement
)

// IsIncrement returns whether op is one of the two increment variants.
func (op OperationType) IsIncrement() bool {
	return op == DataIncrement || op == BlockMapIncrement
}

// IsBlockMap returns whether op concerns a metadata-tree block rather
// than a data block.
func (op OperationType) IsBlockMap() bool {
	return op == BlockMapIncrement || op == BlockMapDecrement
}

// Operation describes a single requested mutation against the counts.
type Operation struct {
	Type              OperationType
	PBN               physical.PBN
	RecoveryJournalLockID uint64
}

// ModifyResult reports the side effects of a successful Modify call so
// the caller (the Slab) can drive allocator free-count notification and
// decide whether a journal entry must be appended.
type ModifyResult struct {
	// FreeCountIncreased is true if the modification caused the
	// slab's free-block count to increase (the allocator must be
	// notified so it can re-prioritize the slab).
	FreeCountIncreased bool
	// FreeCountDecreased is true if the modification caused the
	// slab's free-block count to decrease.
	FreeCountDecreased bool
	// NeedsJournalEntry is true if this modification must be
	// recorded in the slab journal. Claiming or vacating a
	// provisional reference never needs a journal entry of its
	// own: every other increment (including the confirmation of a
	// provisional counter) and every other decrement is journaled.
	NeedsJournalEntry bool
	// BecameUnreferenced is true if the counter just dropped from 1
	// to 0 and free_count therefore grew. Unlike FreeCountIncreased,
	// it stays false when a provisional reference is vacated.
	BecameUnreferenced bool
}

// Counts is the dense reference-count array for a single slab. It is
// not safe for concurrent use: all mutation happens on the owning
// allocator's thread, per spec.md §5.
type Counts struct {
	slabOrigin physical.PBN
	dataBlocks uint64

	counters []Counter
	cursor   uint64

	freeBlocks               uint64
	unreferencedProvisional  uint64
}

// New creates a Counts for a slab with dataBlocks data blocks starting
// at slabOrigin, with every block initially free.
func New(slabOrigin physical.PBN, dataBlocks uint64) *Counts {
	return &Counts{
		slabOrigin: slabOrigin,
		dataBlocks: dataBlocks,
		counters:   make([]Counter, dataBlocks),
		freeBlocks: dataBlocks,
	}
}

// NewFromCounters reconstructs a Counts from a previously serialized
// counter array, as used by the slab scrubber and by slab loading for
// clean slabs whose summary hint said no replay is required.
func NewFromCounters(slabOrigin physical.PBN, counters []Counter) *Counts {
	c := &Counts{
		slabOrigin: slabOrigin,
		dataBlocks: uint64(len(counters)),
		counters:   append([]Counter(nil), counters...),
	}
	for _, v := range c.counters {
		if v == CounterFree {
			c.freeBlocks++
		} else if v == CounterProvisional {
			c.unreferencedProvisional++
		}
	}
	return c
}

// FreeCount returns the number of counters currently at CounterFree.
func (c *Counts) FreeCount() uint64 {
	return c.freeBlocks
}

// DataBlocks returns the total number of counters managed.
func (c *Counts) DataBlocks() uint64 {
	return c.dataBlocks
}

// UnreferencedProvisionalCount returns the number of counters currently
// holding a provisional claim.
func (c *Counts) UnreferencedProvisionalCount() uint64 {
	return c.unreferencedProvisional
}

// Snapshot returns the raw counter array, e.g. for serialization. The
// returned slice must not be mutated by the caller.
func (c *Counts) Snapshot() []Counter {
	return c.counters
}

func (c *Counts) indexForPBN(pbn physical.PBN) (uint64, error) {
	if pbn < c.slabOrigin {
		return 0, status.Errorf(codes.OutOfRange, "physical block number %d precedes slab data origin %d", pbn, c.slabOrigin)
	}
	index := uint64(pbn - c.slabOrigin)
	if index >= c.dataBlocks {
		return 0, status.Errorf(codes.OutOfRange, "physical block number %d is beyond the slab's %d data blocks", pbn, c.dataBlocks)
	}
	return index, nil
}

// AllocateUnreferenced scans the counter array starting at the search
// cursor, wrapping at most once, for the first free counter. On
// success it marks that counter CounterProvisional, advances the
// cursor past it, and returns the corresponding PBN. This gives
// amortized O(1) sequential allocation, per spec.md §3.
func (c *Counts) AllocateUnreferenced() (physical.PBN, error) {
	if c.dataBlocks == 0 {
		return 0, status.Error(codes.ResourceExhausted, "slab has no data blocks")
	}
	for i := uint64(0); i < c.dataBlocks; i++ {
		index := (c.cursor + i) % c.dataBlocks
		if c.counters[index] == CounterFree {
			c.counters[index] = CounterProvisional
			c.cursor = (index + 1) % c.dataBlocks
			c.freeBlocks--
			c.unreferencedProvisional++
			return c.slabOrigin + physical.PBN(index), nil
		}
	}
	return 0, status.Error(codes.ResourceExhausted, "slab has no free blocks")
}

// Modify applies op to the reference count of op.PBN.
func (c *Counts) Modify(op Operation) (ModifyResult, error) {
	index, err := c.indexForPBN(op.PBN)
	if err != nil {
		return ModifyResult{}, err
	}

	if op.Type.IsIncrement() {
		return c.increment(index)
	}
	return c.decrement(index)
}

func (c *Counts) increment(index uint64) (ModifyResult, error) {
	switch cur := c.counters[index]; cur {
	case CounterFree:
		c.counters[index] = 1
		c.freeBlocks--
		return ModifyResult{FreeCountDecreased: true, NeedsJournalEntry: true}, nil
	case CounterProvisional:
		c.counters[index] = 1
		c.unreferencedProvisional--
		return ModifyResult{NeedsJournalEntry: true}, nil
	case CounterMax:
		// Saturated: increments beyond the ceiling are no-ops and
		// never wrap.
		return ModifyResult{NeedsJournalEntry: true}, nil
	default:
		c.counters[index] = cur + 1
		return ModifyResult{NeedsJournalEntry: true}, nil
	}
}

// VacateProvisional releases a provisional claim made by
// AllocateUnreferenced that was never confirmed by a journaled
// increment (e.g. because the request that would have consumed it was
// abandoned). It restores free_count to its prior value exactly, per
// spec.md §8 boundary 10, and never produces a journal entry because
// the claim was never journaled in the first place.
func (c *Counts) VacateProvisional(pbn physical.PBN) error {
	index, err := c.indexForPBN(pbn)
	if err != nil {
		return err
	}
	if c.counters[index] != CounterProvisional {
		return status.Errorf(codes.FailedPrecondition, "block %d does not hold a provisional reference", pbn)
	}
	c.counters[index] = CounterFree
	c.unreferencedProvisional--
	c.freeBlocks++
	return nil
}

func (c *Counts) decrement(index uint64) (ModifyResult, error) {
	switch cur := c.counters[index]; cur {
	case CounterFree:
		return ModifyResult{}, status.Errorf(codes.FailedPrecondition, "attempted to decrement reference count of block %d, which is already free", c.slabOrigin+physical.PBN(index))
	case CounterProvisional:
		// Vacating a claim that was never journaled: no entry is
		// emitted, the block simply becomes free again.
		c.counters[index] = CounterFree
		c.unreferencedProvisional--
		c.freeBlocks++
		return ModifyResult{FreeCountIncreased: true}, nil
	case 1:
		c.counters[index] = CounterFree
		c.freeBlocks++
		return ModifyResult{FreeCountIncreased: true, BecameUnreferenced: true, NeedsJournalEntry: true}, nil
	case CounterMax:
		// The exact count beyond the ceiling is unknown; a
		// decrement cannot be proven to bring it below the
		// ceiling, so it remains saturated.
		return ModifyResult{NeedsJournalEntry: true}, nil
	default:
		c.counters[index] = cur - 1
		return ModifyResult{NeedsJournalEntry: true}, nil
	}
}
