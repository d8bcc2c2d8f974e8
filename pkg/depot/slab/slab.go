// Package slab implements the slab state machine (C4): the component
// that binds a slab's reference counts and journal together with its
// admin state, and drives how it is announced to its owning
// allocator's priority table or scrubber.
package slab

import (
	"github.com/buildbarn/bb-storage/pkg/depot/journal"
	"github.com/buildbarn/bb-storage/pkg/depot/physical"
	"github.com/buildbarn/bb-storage/pkg/depot/priority"
	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// State is the admin state of a single slab.
type State int

const (
	StateNew State = iota
	StateLoading
	StateUnrecovered
	StateReplaying
	StateOpen
	StateQuiescent
	StateResuming
	StateDirtyClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLoading:
		return "loading"
	case StateUnrecovered:
		return "unrecovered"
	case StateReplaying:
		return "replaying"
	case StateOpen:
		return "open"
	case StateQuiescent:
		return "quiescent"
	case StateResuming:
		return "resuming"
	case StateDirtyClosed:
		return "dirty-closed"
	default:
		return "unknown"
	}
}

// Host is implemented by the owning Block Allocator. A Slab never
// reaches back into concrete allocator/depot types directly (spec.md §9
// recommends indexing rather than cyclic ownership); this interface is
// the whole of that back-reference.
type Host interface {
	// AdjustAllocatedBlockCount updates the allocator's aggregate
	// allocated-block counter. freeCountIncreased is true when the
	// slab's free count just went up (so the allocated count goes
	// down), false when it went down.
	AdjustAllocatedBlockCount(freeCountIncreased bool)
	// PriorityFor computes the priority bucket for a slab, per the
	// allocator's policy (spec.md §4.7).
	PriorityFor(freeBlocks, dataBlocks uint64, journalBlank bool) int
	// Requeue removes the slab's node from the priority table (if
	// present) and re-enqueues it at newPriority. A Slab never calls
	// it while it is the allocator's open slab.
	Requeue(node *priority.Node[*Slab], newPriority int)
	// EnqueueForScrubbing registers an unrecovered slab with the
	// scrubber.
	EnqueueForScrubbing(s *Slab, highPriority bool)
}

// Slab binds one slab's reference counts and journal to its admin
// state. Not safe for concurrent use: all mutation happens on the
// owning allocator's thread, per spec.md §5.
type Slab struct {
	number     uint64
	origin     physical.PBN
	dataBlocks uint64

	counts  *refcounts.Counts
	journal *journal.Journal

	state State
	host  Host

	node       *priority.Node[*Slab]
	isOpenSlab bool
	priority   int

	// dirty mirrors spec.md §3's "dirty" membership flag: the
	// journal still holds uncommitted recovery-journal locks.
	dirty bool
}

// New creates a slab in StateNew. j must already be constructed for
// this slab's journal region.
func New(number uint64, origin physical.PBN, dataBlocks uint64, j *journal.Journal) *Slab {
	s := &Slab{
		number:     number,
		origin:     origin,
		dataBlocks: dataBlocks,
		journal:    j,
		state:      StateNew,
	}
	s.node = &priority.Node[*Slab]{Value: s}
	return s
}

// SetHost binds the slab to its owning allocator. Must be called
// exactly once, before any transition method.
func (s *Slab) SetHost(h Host) {
	s.host = h
}

// Number returns the slab's dense index in the depot's slab array.
func (s *Slab) Number() uint64 { return s.number }

// Origin returns the PBN of the slab's first data block.
func (s *Slab) Origin() physical.PBN { return s.origin }

// DataBlocks returns the number of data blocks owned by this slab.
func (s *Slab) DataBlocks() uint64 { return s.dataBlocks }

// State returns the slab's current admin state.
func (s *Slab) State() State { return s.state }

// Counts returns the slab's reference-count array, or nil if the slab
// has not finished loading.
func (s *Slab) Counts() *refcounts.Counts { return s.counts }

// Journal returns the slab's journal.
func (s *Slab) Journal() *journal.Journal { return s.journal }

// PriorityNode returns the node used to link this slab into its
// allocator's priority table.
func (s *Slab) PriorityNode() *priority.Node[*Slab] { return s.node }

// Priority returns the last priority bucket this slab was enqueued at.
func (s *Slab) Priority() int { return s.priority }

// IsOpenSlab returns whether this slab is currently its allocator's
// open_slab.
func (s *Slab) IsOpenSlab() bool { return s.isOpenSlab }

// SetOpenSlab marks or unmarks this slab as the allocator's currently
// open slab. An open slab is never a member of the priority table.
func (s *Slab) SetOpenSlab(open bool) {
	s.isOpenSlab = open
}

// FreeCount returns the slab's current free-block count, or its full
// capacity if the slab has not finished loading.
func (s *Slab) FreeCount() uint64 {
	if s.counts == nil {
		return s.dataBlocks
	}
	return s.counts.FreeCount()
}

// IsDirty returns whether the slab's journal still holds uncommitted
// recovery-journal locks.
func (s *Slab) IsDirty() bool { return s.dirty }

var errBadState = status.Error(codes.FailedPrecondition, "illegal slab state transition")

// StartLoad transitions StateNew -> StateLoading.
func (s *Slab) StartLoad() error {
	if s.state != StateNew {
		return errBadState
	}
	s.state = StateLoading
	return nil
}

// FinishLoadClean transitions StateLoading -> StateOpen directly,
// without scrubbing, for slabs the summary says are clean and whose
// reference counts do not need to be loaded from the journal.
func (s *Slab) FinishLoadClean(counts *refcounts.Counts) error {
	if s.state != StateLoading {
		return errBadState
	}
	s.counts = counts
	s.state = StateOpen
	return nil
}

// FinishLoadNeedsScrub transitions StateLoading -> StateUnrecovered:
// the slab must be replayed by the scrubber before it is usable.
func (s *Slab) FinishLoadNeedsScrub() error {
	if s.state != StateLoading {
		return errBadState
	}
	s.counts = refcounts.New(s.origin, s.dataBlocks)
	s.state = StateUnrecovered
	s.dirty = true
	return nil
}

// ScrubBegin transitions StateUnrecovered -> StateReplaying.
func (s *Slab) ScrubBegin() error {
	if s.state != StateUnrecovered {
		return errBadState
	}
	s.state = StateReplaying
	return nil
}

// ReplayDone transitions StateReplaying -> StateOpen, installing the
// reference counts reconstructed by the scrubber.
func (s *Slab) ReplayDone(counts *refcounts.Counts) error {
	if s.state != StateReplaying {
		return errBadState
	}
	s.counts = counts
	s.state = StateOpen
	s.dirty = false
	return nil
}

// Close transitions StateOpen -> StateQuiescent (if the journal has no
// outstanding recovery-journal locks) or StateDirtyClosed (if it does).
func (s *Slab) Close() error {
	if s.state != StateOpen {
		return errBadState
	}
	s.isOpenSlab = false
	if s.journal.UnreleasedTailCount() > 0 {
		s.state = StateDirtyClosed
		s.dirty = true
	} else {
		s.state = StateQuiescent
		s.dirty = false
	}
	return nil
}

// StartResume transitions StateQuiescent or StateDirtyClosed ->
// StateResuming.
func (s *Slab) StartResume() error {
	if s.state != StateQuiescent && s.state != StateDirtyClosed {
		return errBadState
	}
	s.state = StateResuming
	return nil
}

// FinishResume transitions StateResuming -> StateOpen.
func (s *Slab) FinishResume() error {
	if s.state != StateResuming {
		return errBadState
	}
	s.state = StateOpen
	return nil
}

// Queue implements vdo_queue_slab: unrecovered slabs are registered
// with the scrubber; all others are (re-)prioritized into the
// allocator's priority table.
func (s *Slab) Queue() {
	if s.state == StateUnrecovered {
		s.host.EnqueueForScrubbing(s, false)
		return
	}
	s.requeue()
}

// QueueForScrub registers an unrecovered slab with the scrubber at an
// explicit priority, used by the depot's load-time ordering (spec.md
// §4.7), which computes high_priority from the slab summary rather
// than always defaulting to false as Queue does.
func (s *Slab) QueueForScrub(highPriority bool) error {
	if s.state != StateUnrecovered {
		return errBadState
	}
	s.host.EnqueueForScrubbing(s, highPriority)
	return nil
}

func (s *Slab) requeue() {
	if s.isOpenSlab {
		return
	}
	newPriority := s.host.PriorityFor(s.FreeCount(), s.dataBlocks, s.journal.IsBlank())
	s.priority = newPriority
	s.host.Requeue(s.node, newPriority)
}

// AdjustFreeBlockCount implements adjust_free_block_count: it notifies
// the allocator's aggregate counter and, if this slab is not the
// currently open one and its priority bucket has changed, removes and
// re-enqueues it in the priority table.
func (s *Slab) AdjustFreeBlockCount(freeCountIncreased bool) {
	s.host.AdjustAllocatedBlockCount(freeCountIncreased)
	if s.isOpenSlab {
		return
	}
	newPriority := s.host.PriorityFor(s.FreeCount(), s.dataBlocks, s.journal.IsBlank())
	if newPriority != s.priority || !s.node.IsOnTable() {
		s.priority = newPriority
		s.host.Requeue(s.node, newPriority)
	}
}
