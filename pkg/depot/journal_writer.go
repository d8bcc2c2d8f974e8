package depot

import (
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/depot/journal"
	"github.com/buildbarn/bb-storage/pkg/depot/slab"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DeviceJournalWriter persists newly sealed slab journal tail blocks
// to a raw block device, the write-side counterpart of
// DeviceJournalReader. A sealed tail is written into a fixed-size
// ring slot selected by its sequence number modulo the region's block
// count, the same addressing DeviceJournalReader uses when it reads
// that ring back at replay time.
type DeviceJournalWriter struct {
	Device         blockdevice.BlockDevice
	BlockSizeBytes int
	// JournalOriginBytes returns the byte offset of the first journal
	// block belonging to the given slab.
	JournalOriginBytes func(slabNumber uint64) int64
	// JournalBlockCount returns how many on-disk blocks make up the
	// given slab's journal region.
	JournalBlockCount func(slabNumber uint64) int
}

func (w *DeviceJournalWriter) writeTail(sl *slab.Slab, tail *journal.TailBlock) error {
	blockCount := w.JournalBlockCount(sl.Number())
	if blockCount == 0 {
		return nil
	}
	slotIndex := int(tail.SequenceNumber % uint64(blockCount))
	encoded := journal.Encode(tail)
	if len(encoded) > w.BlockSizeBytes {
		return status.Errorf(codes.Internal, "slab %d journal tail block %d (%d bytes) exceeds the %d-byte journal block size", sl.Number(), tail.SequenceNumber, len(encoded), w.BlockSizeBytes)
	}
	buf := make([]byte, w.BlockSizeBytes)
	copy(buf, encoded)

	offset := w.JournalOriginBytes(sl.Number()) + int64(slotIndex)*int64(w.BlockSizeBytes)
	if _, err := w.Device.WriteAt(buf, offset); err != nil {
		return status.Errorf(codes.DataLoss, "failed to write slab %d journal tail block %d: %s", sl.Number(), tail.SequenceNumber, err)
	}
	sl.Journal().MarkWritten(tail.SequenceNumber)
	return nil
}
