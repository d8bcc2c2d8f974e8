// Package summary implements the per-zone slab summary (C5): a compact,
// sector-packed, per-slab hint record that lets depot load skip
// scrubbing clean slabs. Updates are opportunistic (coalesced in
// memory, written lazily) and reads happen once at load, per spec.md
// §4.5.
package summary

import (
	"github.com/buildbarn/bb-storage/pkg/blockdevice"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Entry is the persistent hint for a single slab.
type Entry struct {
	// TailBlockOffset is the sequence-number offset of the slab
	// journal's tail block at the time this hint was written.
	TailBlockOffset uint8
	// LoadRefCounts indicates the reference-count array must be
	// replayed from the slab journal rather than trusted as-is.
	LoadRefCounts bool
	// IsClean indicates the slab was closed cleanly (no replay
	// needed at all, subject to LoadRefCounts).
	IsClean bool
	// FullnessHint is a coarse 0..127 estimate of how full the slab
	// is, used only to order scrub/open preference at load time.
	FullnessHint uint8
}

// Zone is the in-memory view of one zone's region of the summary
// partition: one Entry per slab owned by that zone's allocator.
type Zone struct {
	device           blockdevice.BlockDevice
	sectorSizeBytes  int
	baseSectorOffset int64
	entriesPerSector int

	entries []Entry
	dirty   []bool
}

// RegionSizeSectors returns the number of sectors needed to store
// slabCount entries at the given sector size, rounded up to a whole
// sector.
func RegionSizeSectors(slabCount, sectorSizeBytes int) int64 {
	perSector := entriesPerSector(sectorSizeBytes)
	if perSector == 0 {
		return 0
	}
	return int64((slabCount + perSector - 1) / perSector)
}

// NewZone creates a Zone backed by device, whose region starts at
// baseSectorOffset sectors and holds one entry per slab in [0,
// slabCount).
func NewZone(device blockdevice.BlockDevice, sectorSizeBytes int, baseSectorOffset int64, slabCount int) *Zone {
	registerSummaryMetrics()
	return &Zone{
		device:           device,
		sectorSizeBytes:  sectorSizeBytes,
		baseSectorOffset: baseSectorOffset,
		entriesPerSector: entriesPerSector(sectorSizeBytes),
		entries:          make([]Entry, slabCount),
		dirty:            make([]bool, slabCount),
	}
}

// Get returns the current in-memory hint for a slab.
func (z *Zone) Get(slabIndexInZone int) Entry {
	return z.entries[slabIndexInZone]
}

// Update opportunistically records a new hint for a slab, to be
// flushed to storage by a later call to Sync. Repeated updates to the
// same slab before a Sync coalesce into a single write.
func (z *Zone) Update(slabIndexInZone int, e Entry) {
	z.entries[slabIndexInZone] = e
	z.dirty[slabIndexInZone] = true
}

// Load reads every entry in this zone's region from storage, replacing
// the in-memory state entirely. Intended to be called exactly once, at
// depot bring-up.
func (z *Zone) Load() error {
	if z.entriesPerSector == 0 {
		return status.Error(codes.InvalidArgument, "sector size is too small to hold a single slab summary entry")
	}
	sectorCount := RegionSizeSectors(len(z.entries), z.sectorSizeBytes)
	buf := make([]byte, sectorCount*int64(z.sectorSizeBytes))
	if _, err := z.device.ReadAt(buf, z.baseSectorOffset*int64(z.sectorSizeBytes)); err != nil {
		return status.Errorf(codes.DataLoss, "failed to read slab summary region: %s", err)
	}
	for i := range z.entries {
		z.entries[i] = decodeEntry(buf, i, z.sectorSizeBytes, z.entriesPerSector)
		z.dirty[i] = false
	}
	return nil
}

// Sync writes every sector containing at least one dirty entry back to
// storage, then clears the dirty flags. Sectors with no dirty entries
// are left untouched.
func (z *Zone) Sync() error {
	if z.entriesPerSector == 0 {
		return nil
	}
	dirtySectors := map[int]bool{}
	for i, d := range z.dirty {
		if d {
			dirtySectors[i/z.entriesPerSector] = true
		}
	}
	for sector := range dirtySectors {
		buf := make([]byte, z.sectorSizeBytes)
		base := sector * z.entriesPerSector
		limit := base + z.entriesPerSector
		if limit > len(z.entries) {
			limit = len(z.entries)
		}
		for i := base; i < limit; i++ {
			encodeEntry(buf, i-base, z.entries[i])
		}
		offset := (z.baseSectorOffset + int64(sector)) * int64(z.sectorSizeBytes)
		if _, err := z.device.WriteAt(buf, offset); err != nil {
			return status.Errorf(codes.DataLoss, "failed to write slab summary sector %d: %s", sector, err)
		}
		summarySectorsWrittenTotal.Inc()
	}
	for i := range z.dirty {
		z.dirty[i] = false
	}
	return z.device.Sync()
}
