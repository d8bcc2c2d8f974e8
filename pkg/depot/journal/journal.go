// Package journal implements the per-slab slab journal (C3): a bounded
// ring of write-ahead tail blocks recording reference-count deltas,
// each holding a lock on a range of recovery-journal block IDs until
// its effects are durable.
package journal

import (
	"github.com/buildbarn/bb-storage/pkg/depot/physical"
	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"
	"github.com/buildbarn/bb-storage/pkg/depot/waiter"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// State is the admin state of a slab journal.
type State int

const (
	// Blank indicates the journal has never been written.
	Blank State = iota
	Active
	// Full indicates the active ring of sealed, unreleased tails is
	// at capacity; further appends must wait.
	Full
	Draining
	Closed
)

// Entry is a single slab journal entry: a reference-count delta
// against one physical block, journaled alongside the recovery-journal
// block ID whose reclamation it blocks.
type Entry struct {
	Offset                uint32 // PBN relative to the slab's data origin
	Operation             refcounts.OperationType
	RecoveryJournalLockID uint64
}

// delta returns +1 for increments, -1 for decrements, used only for
// the in-tail coalescing check.
func (e Entry) delta() int {
	if e.Operation.IsIncrement() {
		return 1
	}
	return -1
}

// TailBlock is a sealed (or in-progress) batch of entries.
type TailBlock struct {
	SequenceNumber uint64
	Entries        []Entry
	// RecoveryLock is min(lock_ids of its entries); computed when
	// the tail is sealed.
	RecoveryLock uint64

	written   bool
	refCountsDurable bool
}

// IsReleasable returns whether this tail's lock may be released: it
// must be both durably written and have had its ref-count changes
// durably flushed (e.g. via the slab summary), per spec.md §4.3.
func (t *TailBlock) IsReleasable() bool {
	return t.written && t.refCountsDurable
}

// Journal is the slab journal for a single slab. Not safe for
// concurrent use: all mutation happens on the owning allocator's
// thread, per spec.md §5.
type Journal struct {
	slabOrigin physical.PBN

	entriesPerBlock  int
	maxUnreleasedTails int
	allowCoalescing  bool

	state State

	nextSequenceNumber uint64
	currentTail        *TailBlock

	// unreleased holds sealed tails from oldest to newest that still
	// hold a recovery-journal lock.
	unreleased []*TailBlock

	appendWaiters waiter.Queue
}

// New creates a blank slab journal. entriesPerBlock bounds how many
// entries a single tail block may hold before it is sealed.
// maxUnreleasedTails bounds how many sealed-but-unreleased tails may
// exist concurrently; once reached, further appends that would need a
// new tail must wait. allowCoalescing enables cancelling an
// (pbn,+1)/(pbn,-1) pair that both land in the same still-open tail,
// per spec.md §4.3.
func New(slabOrigin physical.PBN, entriesPerBlock, maxUnreleasedTails int, allowCoalescing bool) *Journal {
	registerJournalMetrics()
	return &Journal{
		slabOrigin:         slabOrigin,
		entriesPerBlock:    entriesPerBlock,
		maxUnreleasedTails: maxUnreleasedTails,
		allowCoalescing:    allowCoalescing,
		state:              Blank,
	}
}

// State returns the journal's current admin state.
func (j *Journal) State() State {
	return j.state
}

// IsBlank returns whether the journal has never been opened (no tail
// has ever been started), used by the allocator's priority policy
// (spec.md §4.7).
func (j *Journal) IsBlank() bool {
	return j.state == Blank
}

func (j *Journal) openTailIfNeeded() {
	if j.currentTail == nil {
		j.currentTail = &TailBlock{SequenceNumber: j.nextSequenceNumber}
		j.nextSequenceNumber++
		if j.state == Blank {
			j.state = Active
		}
	}
}

// Append records a new entry in the current tail block. If the tail
// becomes full, it is sealed and returned as sealed != nil so the
// caller can schedule it for writing. If no tail slot is available
// (the unreleased ring is at capacity and the current tail is full),
// Append enqueues w and returns ErrMustWait; the caller must retry
// once w's callback fires.
func (j *Journal) Append(entry Entry, w *waiter.Waiter) (sealed *TailBlock, err error) {
	if j.state == Draining || j.state == Closed {
		return nil, status.Error(codes.Unavailable, "slab journal is draining or closed")
	}

	j.openTailIfNeeded()

	if j.allowCoalescing && len(j.currentTail.Entries) > 0 {
		last := &j.currentTail.Entries[len(j.currentTail.Entries)-1]
		if last.Offset == entry.Offset && last.delta()+entry.delta() == 0 {
			j.currentTail.Entries = j.currentTail.Entries[:len(j.currentTail.Entries)-1]
			return nil, nil
		}
	}

	if len(j.currentTail.Entries) >= j.entriesPerBlock {
		if len(j.unreleased) >= j.maxUnreleasedTails {
			j.state = Full
			if w != nil {
				j.appendWaiters.Enqueue(w)
			}
			return nil, ErrMustWait
		}
		sealed = j.sealCurrentTailLocked()
		j.openTailIfNeeded()
	}

	j.currentTail.Entries = append(j.currentTail.Entries, entry)
	return sealed, nil
}

// ErrMustWait is returned by Append when the tail ring is at capacity.
// Callers must wait for the enqueued waiter's callback before retrying.
var ErrMustWait = status.Error(codes.Unavailable, "slab journal has no free tail slot")

func (j *Journal) sealCurrentTailLocked() *TailBlock {
	tail := j.currentTail
	j.currentTail = nil
	if len(tail.Entries) == 0 {
		// Nothing to seal; recycle the sequence number assignment
		// by simply dropping the empty tail.
		j.nextSequenceNumber--
		return nil
	}
	minLock := tail.Entries[0].RecoveryJournalLockID
	for _, e := range tail.Entries[1:] {
		if e.RecoveryJournalLockID < minLock {
			minLock = e.RecoveryJournalLockID
		}
	}
	tail.RecoveryLock = minLock
	j.unreleased = append(j.unreleased, tail)
	journalTailsSealedTotal.Inc()
	return tail
}

// Seal forcibly seals the current tail block even if it is not full,
// used for periodic flush and drain (spec.md §3). Returns nil if there
// was nothing to seal.
func (j *Journal) Seal() *TailBlock {
	if j.currentTail == nil || len(j.currentTail.Entries) == 0 {
		return nil
	}
	if len(j.unreleased) >= j.maxUnreleasedTails {
		j.state = Full
		return nil
	}
	return j.sealCurrentTailLocked()
}

// MarkWritten records that a sealed tail has been durably written to
// storage. It does not by itself release the tail's lock: that also
// requires MarkRefCountsDurable (see TailBlock.IsReleasable).
func (j *Journal) MarkWritten(sequenceNumber uint64) {
	for _, t := range j.unreleased {
		if t.SequenceNumber == sequenceNumber {
			t.written = true
			return
		}
	}
}

// MarkRefCountsDurable records that the reference-count changes
// contained in a sealed tail have themselves been durably flushed
// (e.g. the slab summary now reflects them).
func (j *Journal) MarkRefCountsDurable(sequenceNumber uint64) {
	for _, t := range j.unreleased {
		if t.SequenceNumber == sequenceNumber {
			t.refCountsDurable = true
			return
		}
	}
}

// ReleaseRecoveryJournalLock pops tails from the front of the
// unreleased ring whose recovery lock is older than minKeptID and
// which are releasable, stopping at the first tail that either still
// holds a lock >= minKeptID or is not yet releasable. It is idempotent:
// calling it twice with the same minKeptID has the same effect as
// calling it once.
func (j *Journal) ReleaseRecoveryJournalLock(minKeptID uint64) int {
	released := 0
	for len(j.unreleased) > 0 {
		head := j.unreleased[0]
		if head.RecoveryLock >= minKeptID || !head.IsReleasable() {
			break
		}
		j.unreleased = j.unreleased[1:]
		released++
	}
	if released > 0 {
		journalTailsReleasedTotal.Add(float64(released))
	}
	if released > 0 && j.state == Full && len(j.unreleased) < j.maxUnreleasedTails {
		j.state = Active
		for {
			w := j.appendWaiters.Dequeue()
			if w == nil {
				break
			}
			if w.Callback != nil {
				w.Callback(nil)
			}
		}
	}
	return released
}

// UnreleasedTailCount returns the number of sealed tails still holding
// a recovery-journal lock.
func (j *Journal) UnreleasedTailCount() int {
	return len(j.unreleased)
}

// Drain transitions the journal to Draining, sealing any partial tail
// so its entries are not lost. It returns the sealed tail, if any.
func (j *Journal) Drain() *TailBlock {
	j.state = Draining
	sealed := j.Seal()
	j.appendWaiters.NotifyAll(status.Error(codes.Unavailable, "slab journal is draining"))
	return sealed
}

// FinishDrain transitions a draining journal to Closed.
func (j *Journal) FinishDrain() {
	j.state = Closed
}

// Resume transitions a closed journal back to Active (or Blank if it
// was never written to), allowing new appends.
func (j *Journal) Resume() {
	if j.nextSequenceNumber == 0 {
		j.state = Blank
	} else {
		j.state = Active
	}
}

// AbortWaiters aborts every append waiter with err. Entering read-only
// mode does not call it: no component of the depot registers a
// read-only listener that aborts journal waiters.
func (j *Journal) AbortWaiters(err error) {
	j.appendWaiters.NotifyAll(err)
}
