package allocator_test

import (
	"testing"

	"github.com/buildbarn/bb-storage/pkg/depot/allocator"
	"github.com/buildbarn/bb-storage/pkg/depot/journal"
	"github.com/buildbarn/bb-storage/pkg/depot/physical"
	"github.com/buildbarn/bb-storage/pkg/depot/readonly"
	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"
	"github.com/buildbarn/bb-storage/pkg/depot/slab"
	"github.com/buildbarn/bb-storage/pkg/util"

	"github.com/stretchr/testify/require"
)

const dataBlocksPerSlab = 1024
const slabSizeShift = 10 // 1<<10 == 1024

type noopJournalReader struct{}

func (noopJournalReader) ReadEntriesForReplay(s *slab.Slab) ([]refcounts.Operation, error) {
	return nil, nil
}

func newTestAllocator(t *testing.T, slabNumbers []uint64, depotSlabCount uint64) *allocator.Allocator {
	geometry := physical.Geometry{Origin: 1, SlabSizeShift: slabSizeShift}
	rn := readonly.NewNotifier(util.DefaultErrorLogger)
	a := allocator.New(0, geometry, depotSlabCount, dataBlocksPerSlab, rn, util.DefaultErrorLogger, noopJournalReader{}, nil)

	for _, n := range slabNumbers {
		origin := geometry.SlabOrigin(n)
		j := journal.New(origin, 64, 8, true)
		sl := slab.New(n, origin, dataBlocksPerSlab, j)
		require.NoError(t, sl.StartLoad())
		require.NoError(t, sl.FinishLoadClean(refcounts.New(origin, dataBlocksPerSlab)))
		a.AddSlab(sl)
		sl.Queue()
	}
	return a
}

func TestAllocateFillsOpenSlabThenSwitches(t *testing.T) {
	a := newTestAllocator(t, []uint64{0, 1}, 2)

	seen := map[physical.PBN]bool{}
	for i := 0; i < dataBlocksPerSlab*2; i++ {
		pbn, err := a.Allocate()
		require.NoError(t, err)
		require.False(t, seen[pbn])
		seen[pbn] = true
	}
	require.Len(t, seen, dataBlocksPerSlab*2)

	_, err := a.Allocate()
	require.ErrorIs(t, err, allocator.ErrNoSpace)
}

func TestAllocateOnFullZoneDoesNotMutateState(t *testing.T) {
	a := newTestAllocator(t, []uint64{0}, 1)
	for i := 0; i < dataBlocksPerSlab; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	before := a.AllocatedBlocks()
	_, err := a.Allocate()
	require.ErrorIs(t, err, allocator.ErrNoSpace)
	require.Equal(t, before, a.AllocatedBlocks())
}

func TestReleaseReferenceIgnoresZeroPBN(t *testing.T) {
	a := newTestAllocator(t, []uint64{0}, 1)
	require.NoError(t, a.ReleaseReference(physical.ZeroPBN, 0))
}

func TestAllocateThenConfirmUpdatesAllocatedBlocks(t *testing.T) {
	a := newTestAllocator(t, []uint64{0}, 1)
	pbn, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.ConfirmProvisional(pbn, false, 1))
	require.Equal(t, uint64(1), a.AllocatedBlocks())

	require.NoError(t, a.ReleaseReference(pbn, 2))
	require.Equal(t, uint64(0), a.AllocatedBlocks())
}

// TestOpenNextSlabDistinguishesOpenedFromReopened mirrors
// block-allocator.c's vdo_queue_slab, which only bumps slabs_opened
// when the slab being queued has never had its journal opened: once a
// slab with existing journal history is emptied back out and promoted
// to open_slab again, it counts as a reopen, not a first open.
func TestOpenNextSlabDistinguishesOpenedFromReopened(t *testing.T) {
	a := newTestAllocator(t, []uint64{0, 1}, 2)

	// Fill the first open slab, journaling exactly one of its blocks
	// so its journal is no longer blank.
	firstPBN, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.ConfirmProvisional(firstPBN, false, 1))
	for i := 1; i < dataBlocksPerSlab; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}

	// This allocation finds the first slab exhausted and switches to
	// the second, opening it for the first time.
	_, err = a.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(2), a.Statistics().SlabsOpened)
	require.Equal(t, uint64(0), a.Statistics().SlabsReopened)

	// Releasing the journaled block frees up exactly one slot in the
	// (now closed) first slab and requeues it into the priority table.
	require.NoError(t, a.ReleaseReference(firstPBN, 2))

	// Fill the second slab the rest of the way.
	for i := 1; i < dataBlocksPerSlab; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}

	// This allocation finds the second slab exhausted and switches
	// back to the first, which still has the one freed slot: a
	// reopen, since its journal already has history.
	pbn, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, firstPBN, pbn)

	stats := a.Statistics()
	require.Equal(t, uint64(2), stats.SlabsOpened)
	require.Equal(t, uint64(1), stats.SlabsReopened)
}

func TestAllocateAsyncImmediateNoSpaceWhenScrubberIdle(t *testing.T) {
	a := newTestAllocator(t, []uint64{0}, 1)
	for i := 0; i < dataBlocksPerSlab; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}

	var gotErr error
	called := false
	a.AllocateAsync(func(_ physical.PBN, err error) {
		called = true
		gotErr = err
	})
	require.True(t, called)
	require.ErrorIs(t, gotErr, allocator.ErrNoSpace)
}

func TestAllocateAsyncWaitsForScrubbedSlab(t *testing.T) {
	geometry := physical.Geometry{Origin: 1, SlabSizeShift: slabSizeShift}
	rn := readonly.NewNotifier(util.DefaultErrorLogger)
	reader := noopJournalReader{}
	a := allocator.New(0, geometry, 1, dataBlocksPerSlab, rn, util.DefaultErrorLogger, reader, nil)

	origin := geometry.SlabOrigin(0)
	j := journal.New(origin, 64, 8, true)
	sl := slab.New(0, origin, dataBlocksPerSlab, j)
	require.NoError(t, sl.StartLoad())
	require.NoError(t, sl.FinishLoadNeedsScrub())
	a.AddSlab(sl)
	sl.Queue() // unrecovered -> registered with scrubber

	require.True(t, a.IsScrubbing())

	called := false
	var gotPBN physical.PBN
	var gotErr error
	a.AllocateAsync(func(pbn physical.PBN, err error) {
		called = true
		gotPBN = pbn
		gotErr = err
	})
	require.False(t, called)

	require.NoError(t, a.ScrubAll())
	require.True(t, called)
	require.NoError(t, gotErr)
	require.Equal(t, origin, gotPBN)
}

func TestDrainAndResumeCycle(t *testing.T) {
	a := newTestAllocator(t, []uint64{0, 1}, 2)
	_, err := a.Allocate()
	require.NoError(t, err)

	require.NoError(t, a.Drain())
	require.Equal(t, allocator.AdminDrained, a.AdminState())

	require.NoError(t, a.Resume())
	require.Equal(t, allocator.AdminNormal, a.AdminState())

	_, err = a.Allocate()
	require.NoError(t, err)
}
