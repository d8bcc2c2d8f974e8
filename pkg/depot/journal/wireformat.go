package journal

import (
	"encoding/binary"

	"github.com/buildbarn/bb-storage/pkg/depot/refcounts"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// On-disk tail block layout (spec.md §6):
//
//	u64 sequence_number
//	u8  has_block_map_increments (0 or 1)
//	u32 entry_count
//	u64 recovery_lock
//	[entry_count]entry
//
// Each entry is 4 bytes:
//
//	u8 offset[3] (24-bit little-endian PBN offset within the slab)
//	u8 operation_type : 2 bits, reserved : 6 bits
//
// spec.md's illustrative layout allots only 12 bits to the offset,
// which cannot address a slab_size of 2^23 blocks (spec.md §9's
// priority-policy discussion assumes ranges up to 2^23). We widen the
// field to 24 bits to actually cover the slab sizes the rest of the
// specification allows; see DESIGN.md's Open Question resolution.

const headerSize = 8 + 1 + 4 + 8
const entrySize = 4

// EncodedSize returns the serialized size in bytes of a tail block
// with the given number of entries.
func EncodedSize(entryCount int) int {
	return headerSize + entrySize*entryCount
}

// Encode serializes a sealed tail block.
func Encode(t *TailBlock) []byte {
	buf := make([]byte, EncodedSize(len(t.Entries)))
	binary.LittleEndian.PutUint64(buf[0:], t.SequenceNumber)
	hasBlockMap := byte(0)
	for _, e := range t.Entries {
		if e.Operation.IsBlockMap() {
			hasBlockMap = 1
			break
		}
	}
	buf[8] = hasBlockMap
	binary.LittleEndian.PutUint32(buf[9:], uint32(len(t.Entries)))
	binary.LittleEndian.PutUint64(buf[13:], t.RecoveryLock)

	off := headerSize
	for _, e := range t.Entries {
		buf[off] = byte(e.Offset)
		buf[off+1] = byte(e.Offset >> 8)
		buf[off+2] = byte(e.Offset >> 16)
		buf[off+3] = byte(e.Operation) & 0x3
		off += entrySize
	}
	return buf
}

// Decode deserializes a tail block previously produced by Encode. The
// per-entry RecoveryJournalLockID is not individually recoverable from
// the wire format (only the tail's aggregate minimum is persisted);
// decoded entries carry the tail's RecoveryLock as a conservative
// stand-in, which is sufficient for scrub replay since only the delta
// and offset affect reference counts.
func Decode(data []byte) (*TailBlock, error) {
	if len(data) < headerSize {
		return nil, status.Error(codes.DataLoss, "slab journal tail block is shorter than its header")
	}
	t := &TailBlock{
		SequenceNumber: binary.LittleEndian.Uint64(data[0:]),
	}
	entryCount := binary.LittleEndian.Uint32(data[9:])
	t.RecoveryLock = binary.LittleEndian.Uint64(data[13:])

	want := EncodedSize(int(entryCount))
	if len(data) < want {
		return nil, status.Errorf(codes.DataLoss, "slab journal tail block truncated: want %d bytes, have %d", want, len(data))
	}

	t.Entries = make([]Entry, entryCount)
	off := headerSize
	for i := range t.Entries {
		offset := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16
		opType := refcounts.OperationType(data[off+3] & 0x3)
		t.Entries[i] = Entry{
			Offset:                offset,
			Operation:             opType,
			RecoveryJournalLockID: t.RecoveryLock,
		}
		off += entrySize
	}
	t.written = true
	return t, nil
}
