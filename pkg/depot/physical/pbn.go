// Package physical defines the physical block address space shared by
// every component of the slab depot: the PBN type, the distinguished
// zero block, and the pure arithmetic that maps a PBN onto a slab
// number.
package physical

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PBN is a physical block number on the backing device.
type PBN uint64

// ZeroPBN is the distinguished zero block. It is never allocated,
// referenced, or freed; operations on it are no-ops.
const ZeroPBN PBN = 0

// IsZero returns whether pbn refers to the distinguished zero block.
func (pbn PBN) IsZero() bool {
	return pbn == ZeroPBN
}

// Geometry describes the arithmetic layout of slabs within the
// physical address space: a depot-wide origin and a slab size
// expressed as a power-of-two shift.
type Geometry struct {
	// Origin is the PBN of the first data block managed by the
	// depot.
	Origin PBN
	// SlabSizeShift determines the slab size: 1 << SlabSizeShift.
	SlabSizeShift uint8
}

// SlabSize returns the number of PBNs contained in a single slab.
func (g Geometry) SlabSize() uint64 {
	return uint64(1) << g.SlabSizeShift
}

// SlabNumberForPBN computes the dense slab index containing pbn. It
// returns false for the zero block (no slab owns it) and an
// OUT_OF_RANGE error for any non-zero PBN below the origin or beyond
// slabCount slabs, per invariant 3: the mapping is a pure arithmetic
// function of SlabSizeShift and the origin.
func (g Geometry) SlabNumberForPBN(pbn PBN, slabCount uint64) (uint64, bool, error) {
	if pbn.IsZero() {
		return 0, false, nil
	}
	if pbn < g.Origin {
		return 0, false, status.Errorf(codes.OutOfRange, "physical block number %d precedes depot origin %d", pbn, g.Origin)
	}
	slabNumber := uint64(pbn-g.Origin) >> g.SlabSizeShift
	if slabNumber >= slabCount {
		return 0, false, status.Errorf(codes.OutOfRange, "physical block number %d maps to slab %d, which exceeds slab count %d", pbn, slabNumber, slabCount)
	}
	return slabNumber, true, nil
}

// SlabOrigin returns the PBN of the first block (the data origin) of
// the given slab number.
func (g Geometry) SlabOrigin(slabNumber uint64) PBN {
	return g.Origin + PBN(slabNumber<<g.SlabSizeShift)
}

// OffsetWithinSlab returns the offset of pbn relative to the data
// origin of the slab that contains it. The caller must already know
// pbn belongs to the given slab.
func (g Geometry) OffsetWithinSlab(pbn PBN, slabNumber uint64) uint64 {
	return uint64(pbn - g.SlabOrigin(slabNumber))
}
