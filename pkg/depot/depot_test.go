package depot_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/depot"
	"github.com/buildbarn/bb-storage/pkg/depot/allocator"
	"github.com/buildbarn/bb-storage/pkg/depot/physical"
	"github.com/buildbarn/bb-storage/pkg/depot/readonly"
	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"
	"github.com/buildbarn/bb-storage/pkg/depot/scrubber"
	"github.com/buildbarn/bb-storage/pkg/depot/slab"
	"github.com/buildbarn/bb-storage/pkg/util"

	"github.com/stretchr/testify/require"
)

const dataBlocksPerSlab = 1024
const slabSizeShift = 10

type noopJournalReader struct{}

func (noopJournalReader) ReadEntriesForReplay(s *slab.Slab) ([]refcounts.Operation, error) {
	return nil, nil
}

func newTestDepot(t *testing.T, slabCount int, zoneCount int, loadType depot.LoadType, records []depot.SlabRecord) *depot.Depot {
	cfg := depot.Config{
		Geometry:                  physical.Geometry{Origin: 1, SlabSizeShift: slabSizeShift},
		ZoneCount:                 zoneCount,
		DataBlocksPerSlab:         dataBlocksPerSlab,
		JournalEntriesPerBlock:    4096,
		JournalMaxUnreleasedTails: 8,
		JournalAllowCoalescing:    true,
	}
	rn := readonly.NewNotifier(util.DefaultErrorLogger)
	d, err := depot.Decode(records, cfg, loadType, rn, util.DefaultErrorLogger, noopJournalReader{}, nil)
	require.NoError(t, err)
	return d
}

func cleanRecords(n int) []depot.SlabRecord {
	records := make([]depot.SlabRecord, n)
	for i := range records {
		records[i] = depot.SlabRecord{Number: uint64(i), IsClean: true}
	}
	return records
}

// TestE1AllocationsAcrossTwoZones mirrors spec scenario E1: 4 slabs of
// 1024 data blocks, 2 zones; 2048 successful allocations from zone 0,
// each confirmed by a journaled increment, must land only in the
// slabs zone 0 owns (0 and 2, since slab_number mod zone_count routes
// them) and the zone's allocated_blocks must read back 2048.
func TestE1AllocationsAcrossTwoZones(t *testing.T) {
	d := newTestDepot(t, 4, 2, depot.LoadNormal, cleanRecords(4))
	zone0 := d.GetBlockAllocatorForZone(0)

	seen := map[physical.PBN]bool{}
	for i := 0; i < 2048; i++ {
		pbn, err := zone0.Allocate()
		require.NoError(t, err)
		require.False(t, seen[pbn])
		seen[pbn] = true
		require.NoError(t, zone0.ConfirmProvisional(pbn, false, uint64(i)))

		sl, err := d.GetSlab(pbn)
		require.NoError(t, err)
		require.Contains(t, []uint64{0, 2}, sl.Number())
	}
	require.Len(t, seen, 2048)
	require.Equal(t, uint64(2048), zone0.AllocatedBlocks())
}

// TestE2AllocationBeyondCapacityReportsNoSpace mirrors scenario E2: a
// 2049th allocation in a fully exhausted zone with nothing left for
// the scrubber to offer must report NO_SPACE to the waiting caller.
func TestE2AllocationBeyondCapacityReportsNoSpace(t *testing.T) {
	d := newTestDepot(t, 4, 2, depot.LoadNormal, cleanRecords(4))
	zone0 := d.GetBlockAllocatorForZone(0)

	for i := 0; i < 2048; i++ {
		_, err := zone0.Allocate()
		require.NoError(t, err)
	}

	called := false
	var gotErr error
	zone0.AllocateAsync(func(_ physical.PBN, err error) {
		called = true
		gotErr = err
	})
	require.True(t, called)
	require.ErrorIs(t, gotErr, allocator.ErrNoSpace)
}

// TestE5CleanAndDirtySlabsRouteDifferently mirrors scenario E5: one
// clean slab with no required ref-count reload is queued directly,
// while a dirty one is registered with the scrubber; after scrubbing
// completes, both are allocatable.
func TestE5CleanAndDirtySlabsRouteDifferently(t *testing.T) {
	records := []depot.SlabRecord{
		{Number: 0, IsClean: true},
		{Number: 1, IsClean: true, LoadRefCounts: false},
		{Number: 2, IsClean: false},
	}
	d := newTestDepot(t, 3, 1, depot.LoadNormal, records)
	zone := d.GetBlockAllocatorForZone(0)

	require.True(t, zone.IsScrubbing())
	require.NoError(t, zone.ScrubAll())
	require.False(t, zone.IsScrubbing())

	for i := 0; i < dataBlocksPerSlab*3; i++ {
		_, err := zone.Allocate()
		require.NoError(t, err)
	}
	_, err := zone.Allocate()
	require.Error(t, err)
}

func TestGetSlabReturnsNilForZeroBlock(t *testing.T) {
	d := newTestDepot(t, 2, 1, depot.LoadNormal, cleanRecords(2))
	sl, err := d.GetSlab(physical.ZeroPBN)
	require.NoError(t, err)
	require.Nil(t, sl)
}

func TestGetSlabOutOfRangeEntersReadOnly(t *testing.T) {
	d := newTestDepot(t, 1, 1, depot.LoadNormal, cleanRecords(1))
	_, err := d.GetSlab(physical.PBN(1 << 20))
	require.Error(t, err)
}

func TestResizeGrowsDepotCapacity(t *testing.T) {
	d := newTestDepot(t, 1, 1, depot.LoadNormal, cleanRecords(1))
	require.Equal(t, uint64(dataBlocksPerSlab), d.DataBlocks())

	d.PrepareToGrow([]depot.SlabRecord{{Number: 1, IsClean: true}})
	require.NoError(t, d.UseNewSlabs())
	require.Equal(t, uint64(dataBlocksPerSlab*2), d.DataBlocks())
}

func TestStatisticsAggregatesAcrossZones(t *testing.T) {
	d := newTestDepot(t, 4, 2, depot.LoadNormal, cleanRecords(4))
	zone0 := d.GetBlockAllocatorForZone(0)
	for i := 0; i < 10; i++ {
		_, err := zone0.Allocate()
		require.NoError(t, err)
	}

	stats := d.Statistics()
	require.Len(t, stats.Zones, 2)
	require.Equal(t, uint64(dataBlocksPerSlab*4), stats.DataBlocks)
	require.GreaterOrEqual(t, stats.SlabsOpened, uint64(1))
}

func TestSyncFlushesWithoutSummaryDevice(t *testing.T) {
	d := newTestDepot(t, 2, 1, depot.LoadNormal, cleanRecords(2))
	require.NoError(t, d.Sync())
}

type memoryDevice struct {
	data []byte
}

func newMemoryDevice(size int) *memoryDevice {
	return &memoryDevice{data: make([]byte, size)}
}

func (d *memoryDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.data[off:]), nil
}

func (d *memoryDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.data[off:], p), nil
}

func (d *memoryDevice) Sync() error { return nil }

// TestSyncPersistsJournalTailsForReplay mirrors scenario E6: a tail
// block sealed and written by Depot.Sync must be readable back through
// the same ring addressing a DeviceJournalReader uses during a later
// replay.
func TestSyncPersistsJournalTailsForReplay(t *testing.T) {
	d := newTestDepot(t, 2, 1, depot.LoadNormal, cleanRecords(2))
	zone0 := d.GetBlockAllocatorForZone(0)

	pbn, err := zone0.Allocate()
	require.NoError(t, err)
	require.NoError(t, zone0.ConfirmProvisional(pbn, false, 1))

	const journalBlockSize = 512
	const journalBlocksPerSlab = 4
	device := newMemoryDevice(2 * journalBlocksPerSlab * journalBlockSize)
	origin := func(slabNumber uint64) int64 {
		return int64(slabNumber) * journalBlocksPerSlab * journalBlockSize
	}
	blockCount := func(slabNumber uint64) int { return journalBlocksPerSlab }

	d.SetJournalWriter(&depot.DeviceJournalWriter{
		Device:             device,
		BlockSizeBytes:     journalBlockSize,
		JournalOriginBytes: origin,
		JournalBlockCount:  blockCount,
	})
	require.NoError(t, d.Sync())

	sl, err := d.GetSlab(pbn)
	require.NoError(t, err)

	reader := &depot.DeviceJournalReader{
		Device:             device,
		BlockSizeBytes:     journalBlockSize,
		JournalOriginBytes: origin,
		JournalBlockCount:  blockCount,
	}
	ops, err := reader.ReadEntriesForReplay(sl)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, pbn, ops[0].PBN)
	require.Equal(t, uint64(1), ops[0].RecoveryJournalLockID)

	require.Equal(t, uint64(1), d.Statistics().JournalBlocksWritten)
}

// TestOpenFromConfigurationWiresRealBlockDevices drives the bring-up
// path a standalone binary would use: real file-backed block devices,
// write-concurrency limiting enabled, a full allocate/confirm/Sync
// cycle, and a journal replay off the same device Sync wrote to.
func TestOpenFromConfigurationWiresRealBlockDevices(t *testing.T) {
	dir := t.TempDir()
	cfg := depot.Config{
		Geometry:                  physical.Geometry{Origin: 1, SlabSizeShift: slabSizeShift},
		ZoneCount:                 1,
		DataBlocksPerSlab:         dataBlocksPerSlab,
		JournalEntriesPerBlock:    4096,
		JournalMaxUnreleasedTails: 8,
		JournalAllowCoalescing:    true,
		SummarySectorSizeBytes:    512,
	}
	devCfg := depot.DeviceConfig{
		Summary: blockdevice.Configuration{
			File:                  &blockdevice.FileConfiguration{Path: filepath.Join(dir, "summary"), SizeBytes: 4096},
			WriteConcurrencyLimit: 4,
		},
		Journal: blockdevice.Configuration{
			File:                  &blockdevice.FileConfiguration{Path: filepath.Join(dir, "journal"), SizeBytes: 4096},
			WriteConcurrencyLimit: 4,
		},
		JournalBlockSizeBytes: 512,
		JournalBlocksPerSlab:  4,
	}

	rn := readonly.NewNotifier(util.DefaultErrorLogger)
	d, err := depot.OpenFromConfiguration(cleanRecords(2), cfg, depot.LoadNormal, rn, util.DefaultErrorLogger, devCfg)
	require.NoError(t, err)

	zone0 := d.GetBlockAllocatorForZone(0)
	pbn, err := zone0.Allocate()
	require.NoError(t, err)
	require.NoError(t, zone0.ConfirmProvisional(pbn, false, 1))
	require.NoError(t, d.Sync())
	require.Equal(t, uint64(1), d.Statistics().JournalBlocksWritten)

	dirtyRecords := []depot.SlabRecord{
		{Number: 0, IsClean: false},
		{Number: 1, IsClean: false},
	}
	reopened, err := depot.OpenFromConfiguration(dirtyRecords, cfg, depot.LoadNormal, rn, util.DefaultErrorLogger, devCfg)
	require.NoError(t, err)
	reopenedZone := reopened.GetBlockAllocatorForZone(0)
	require.True(t, reopenedZone.IsScrubbing())
	require.NoError(t, reopenedZone.ScrubAll())
	require.Equal(t, uint64(1), reopenedZone.AllocatedBlocks())
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

type fakeTicker struct{}

func (fakeTicker) Stop() {}

// fakeClock hands every NewTimer caller the same fireCh, and signals
// requests each time NewTimer is called so a test can tell when
// PeriodicSyncer.Run has reached its select statement.
type fakeClock struct {
	fireCh   chan time.Time
	requests chan struct{}
}

func (fc *fakeClock) Now() time.Time { return time.Time{} }

func (fc *fakeClock) NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithCancel(parent)
}

func (fc *fakeClock) NewTimer(d time.Duration) (clock.Timer, <-chan time.Time) {
	fc.requests <- struct{}{}
	return fakeTimer{}, fc.fireCh
}

func (fc *fakeClock) NewTicker(d time.Duration) (clock.Ticker, <-chan time.Time) {
	return fakeTicker{}, fc.fireCh
}

// TestPeriodicSyncerFlushesOnTick proves depot.PeriodicSyncer actually
// drives Depot.Sync(): an unsealed tail with one journaled entry is
// only persisted once the fake clock's timer fires.
func TestPeriodicSyncerFlushesOnTick(t *testing.T) {
	d := newTestDepot(t, 2, 1, depot.LoadNormal, cleanRecords(2))
	zone0 := d.GetBlockAllocatorForZone(0)

	pbn, err := zone0.Allocate()
	require.NoError(t, err)
	require.NoError(t, zone0.ConfirmProvisional(pbn, false, 1))

	const journalBlockSize = 512
	const journalBlocksPerSlab = 4
	device := newMemoryDevice(2 * journalBlocksPerSlab * journalBlockSize)
	origin := func(slabNumber uint64) int64 {
		return int64(slabNumber) * journalBlocksPerSlab * journalBlockSize
	}
	blockCount := func(slabNumber uint64) int { return journalBlocksPerSlab }
	d.SetJournalWriter(&depot.DeviceJournalWriter{
		Device:             device,
		BlockSizeBytes:     journalBlockSize,
		JournalOriginBytes: origin,
		JournalBlockCount:  blockCount,
	})

	fc := &fakeClock{fireCh: make(chan time.Time), requests: make(chan struct{}, 4)}
	syncer := depot.NewPeriodicSyncer(d, fc, util.DefaultErrorLogger, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()

	<-fc.requests
	fc.fireCh <- time.Time{}
	<-fc.requests
	cancel()
	<-done

	require.Equal(t, uint64(1), d.Statistics().JournalBlocksWritten)
}

func TestAbandonNewSlabsLeavesDepotUnchanged(t *testing.T) {
	d := newTestDepot(t, 1, 1, depot.LoadNormal, cleanRecords(1))
	d.PrepareToGrow([]depot.SlabRecord{{Number: 1, IsClean: true}})
	d.AbandonNewSlabs()
	require.Equal(t, uint64(dataBlocksPerSlab), d.DataBlocks())
}
