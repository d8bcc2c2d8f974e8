// Package scrubber implements the slab scrubber (C6): the component
// that replays slab journals to reconstruct reference counts for slabs
// the summary could not vouch for as clean, then hands each slab back
// to its allocator as open.
package scrubber

import (
	"time"

	"github.com/buildbarn/bb-storage/pkg/depot/readonly"
	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"
	"github.com/buildbarn/bb-storage/pkg/depot/slab"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// JournalReader recovers the sequence of journal entries that must be
// replayed for a slab, in order from oldest to newest. It abstracts
// over whether the entries come from an in-memory tail still pending
// or from decoded on-disk tail blocks (spec.md §4.6).
type JournalReader interface {
	ReadEntriesForReplay(s *slab.Slab) ([]refcounts.Operation, error)
}

// WaiterSet is notified once a slab finishes scrubbing and becomes
// available for allocation. It abstracts the allocator's own waiter
// bookkeeping so the scrubber does not need to know how allocation
// requests are represented.
type WaiterSet interface {
	NotifySlabAvailable(s *slab.Slab)
}

// Scrubber holds two worklists, per spec.md §4.6: slabs needed
// immediately to satisfy a blocked allocation (high_priority) and
// everything else (normal). High-priority slabs are always scrubbed
// before normal ones, and within a list slabs are served FIFO.
type Scrubber struct {
	reader      JournalReader
	waiters     WaiterSet
	readOnly    *readonly.Notifier
	errorLogger util.ErrorLogger

	highPriority []*slab.Slab
	normal       []*slab.Slab

	slabCount int
}

// New creates a Scrubber. slabCount is the total number of slabs the
// scrubber may eventually process; it is stored on the Scrubber and
// not read by any of its methods.
func New(reader JournalReader, waiters WaiterSet, readOnly *readonly.Notifier, errorLogger util.ErrorLogger, slabCount int) *Scrubber {
	registerScrubberMetrics()
	return &Scrubber{
		reader:      reader,
		waiters:     waiters,
		readOnly:    readOnly,
		errorLogger: errorLogger,
		slabCount:   slabCount,
	}
}

// Enqueue registers an unrecovered slab for scrubbing. highPriority
// slabs jump ahead of every normal-priority slab already queued, per
// spec.md §4.6 and §4.7's load-time ordering.
func (s *Scrubber) Enqueue(sl *slab.Slab, highPriority bool) {
	if highPriority {
		s.highPriority = append(s.highPriority, sl)
	} else {
		s.normal = append(s.normal, sl)
	}
}

// PendingCount returns the total number of slabs still awaiting
// scrubbing.
func (s *Scrubber) PendingCount() int {
	return len(s.highPriority) + len(s.normal)
}

// IsScrubbing returns whether any slab remains to be scrubbed.
func (s *Scrubber) IsScrubbing() bool {
	return s.PendingCount() > 0
}

// ScrubNext replays one slab's journal and opens it. It is meant to be
// called repeatedly (e.g. from a single worker loop) until
// IsScrubbing returns false. Returns the slab scrubbed, or nil if
// nothing was pending.
func (s *Scrubber) ScrubNext() (*slab.Slab, error) {
	sl := s.dequeue()
	if sl == nil {
		return nil, nil
	}
	start := time.Now()

	if err := sl.ScrubBegin(); err != nil {
		return nil, err
	}

	ops, err := s.reader.ReadEntriesForReplay(sl)
	if err != nil {
		s.fail(sl, err)
		return nil, err
	}

	counts := refcounts.New(sl.Origin(), sl.DataBlocks())
	for _, op := range ops {
		if _, err := counts.Modify(op); err != nil {
			// A bad replay leaves the depot's on-disk state
			// untrustworthy; the only safe response is read-only
			// mode (spec.md §4.6, §8 boundary behavior for
			// scrubbing failures).
			s.fail(sl, err)
			return nil, err
		}
	}

	if err := sl.ReplayDone(counts); err != nil {
		s.fail(sl, err)
		return nil, err
	}

	scrubDurationSeconds.Observe(time.Since(start).Seconds())
	scrubsCompletedTotal.Inc()
	s.waiters.NotifySlabAvailable(sl)
	return sl, nil
}

func (s *Scrubber) dequeue() *slab.Slab {
	if len(s.highPriority) > 0 {
		sl := s.highPriority[0]
		s.highPriority = s.highPriority[1:]
		return sl
	}
	if len(s.normal) > 0 {
		sl := s.normal[0]
		s.normal = s.normal[1:]
		return sl
	}
	return nil
}

func (s *Scrubber) fail(sl *slab.Slab, cause error) {
	scrubsFailedTotal.Inc()
	wrapped := status.Errorf(codes.DataLoss, "slab %d failed to scrub: %s", sl.Number(), cause)
	s.errorLogger.Log(wrapped)
	s.readOnly.Enter(wrapped)
}
