package depot

import (
	"sort"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/depot/journal"
	"github.com/buildbarn/bb-storage/pkg/depot/physical"
	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"
	"github.com/buildbarn/bb-storage/pkg/depot/slab"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DeviceJournalReader replays a slab's on-disk journal region from a
// raw block device to satisfy scrubber.JournalReader. Each slab's
// journal region is JournalBlockCount fixed-size blocks starting at
// the byte offset JournalOriginBytes returns for that slab. Decoded
// tails are replayed in sequence-number order, whatever ring slot
// they occupy; a block
// that fails to decode (too short, or a header claiming more entries
// than the block holds) marks the end of what this region has ever
// had written to it, so the scan stops there rather than erroring out
// the whole replay.
type DeviceJournalReader struct {
	Device         blockdevice.BlockDevice
	BlockSizeBytes int
	// JournalOriginBytes returns the byte offset of the first journal
	// block belonging to the given slab.
	JournalOriginBytes func(slabNumber uint64) int64
	// JournalBlockCount returns how many on-disk blocks make up the
	// given slab's journal region.
	JournalBlockCount func(slabNumber uint64) int
}

// ReadEntriesForReplay implements scrubber.JournalReader.
func (r *DeviceJournalReader) ReadEntriesForReplay(s *slab.Slab) ([]refcounts.Operation, error) {
	base := r.JournalOriginBytes(s.Number())
	blockCount := r.JournalBlockCount(s.Number())

	var tails []*journal.TailBlock
	for i := 0; i < blockCount; i++ {
		buf := make([]byte, r.BlockSizeBytes)
		if _, err := r.Device.ReadAt(buf, base+int64(i)*int64(r.BlockSizeBytes)); err != nil {
			return nil, status.Errorf(codes.DataLoss, "failed to read slab %d journal block %d: %s", s.Number(), i, err)
		}
		tail, err := journal.Decode(buf)
		if err != nil {
			// An undecodable block marks the end of what was ever
			// written; later blocks in the region are uninitialized.
			break
		}
		tails = append(tails, tail)
	}
	sort.Slice(tails, func(a, b int) bool { return tails[a].SequenceNumber < tails[b].SequenceNumber })

	var ops []refcounts.Operation
	for _, tail := range tails {
		for _, e := range tail.Entries {
			ops = append(ops, refcounts.Operation{
				Type:                  e.Operation,
				PBN:                   s.Origin() + physical.PBN(e.Offset),
				RecoveryJournalLockID: e.RecoveryJournalLockID,
			})
		}
	}
	return ops, nil
}
