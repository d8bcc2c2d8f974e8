// Package config implements the on-disk ALBIC configuration block
// (spec.md §6): the index-geometry record written ahead of the depot's
// own structures, kept wire-compatible across the 06.02/08.02 format
// revisions so crash recovery works across an upgrade.
package config

import (
	"encoding/binary"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const magic = "ALBIC"

const (
	version0602 = "06.02"
	version0802 = "08.02"
)

const payload0602Size = 4*8 + 8 // eight u32 fields + one u64
const payload0802ExtraSize = 8 + 8

// Configuration is the decoded ALBIC block. RemappedVirtual and
// RemappedPhysical are zero for a 06.02 record.
type Configuration struct {
	RecordPagesPerChapter  uint32
	ChaptersPerVolume      uint32
	SparseChaptersPerVolume uint32
	CacheChapters          uint32
	VolumeIndexMeanDelta   uint32
	BytesPerPage           uint32
	SparseSampleRate       uint32
	Nonce                  uint64

	RemappedVirtual  uint64
	RemappedPhysical uint64

	// Version is the parsed version string ("06.02" or "08.02").
	Version string
}

// Encode serializes cfg. If callerVersion < 4, the record is written
// in the 06.02 format (no remap fields); otherwise it is written as
// 08.02, taking the remap fields from cfg, per spec.md §6's write
// policy.
func Encode(cfg Configuration, callerVersion int) []byte {
	use0802 := callerVersion >= 4

	size := len(magic) + len(version0602) + payload0602Size
	if use0802 {
		size = len(magic) + len(version0802) + payload0602Size + payload0802ExtraSize
	}
	buf := make([]byte, size)
	offset := copy(buf, magic)
	if use0802 {
		offset += copy(buf[offset:], version0802)
	} else {
		offset += copy(buf[offset:], version0602)
	}

	binary.LittleEndian.PutUint32(buf[offset:], cfg.RecordPagesPerChapter)
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], cfg.ChaptersPerVolume)
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], cfg.SparseChaptersPerVolume)
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], cfg.CacheChapters)
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], 0) // reserved_zero
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], cfg.VolumeIndexMeanDelta)
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], cfg.BytesPerPage)
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], cfg.SparseSampleRate)
	offset += 4
	binary.LittleEndian.PutUint64(buf[offset:], cfg.Nonce)
	offset += 8

	if use0802 {
		binary.LittleEndian.PutUint64(buf[offset:], cfg.RemappedVirtual)
		offset += 8
		binary.LittleEndian.PutUint64(buf[offset:], cfg.RemappedPhysical)
		offset += 8
	}

	return buf
}

// ErrNoIndex is returned by Decode when the block is too short to hold
// the magic and a version string, or its magic does not match. An
// unrecognized version behind a valid magic yields ErrCorrupt instead.
var ErrNoIndex = status.Error(codes.NotFound, "no index configuration found")

// ErrCorrupt is returned by Decode when the magic matches but the
// version string is neither 06.02 nor 08.02.
var ErrCorrupt = status.Error(codes.DataLoss, "index configuration block is corrupt")

// Decode parses an ALBIC configuration block.
func Decode(data []byte) (Configuration, error) {
	if len(data) < len(magic)+5 || string(data[:len(magic)]) != magic {
		return Configuration{}, ErrNoIndex
	}
	offset := len(magic)
	version := string(data[offset : offset+5])
	offset += 5

	switch version {
	case version0602, version0802:
	default:
		return Configuration{}, ErrCorrupt
	}

	needed := payload0602Size
	if version == version0802 {
		needed += payload0802ExtraSize
	}
	if len(data)-offset < needed {
		return Configuration{}, ErrCorrupt
	}

	var cfg Configuration
	cfg.Version = version
	cfg.RecordPagesPerChapter = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	cfg.ChaptersPerVolume = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	cfg.SparseChaptersPerVolume = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	cfg.CacheChapters = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	offset += 4 // reserved_zero
	cfg.VolumeIndexMeanDelta = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	cfg.BytesPerPage = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	cfg.SparseSampleRate = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	cfg.Nonce = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	if version == version0802 {
		cfg.RemappedVirtual = binary.LittleEndian.Uint64(data[offset:])
		offset += 8
		cfg.RemappedPhysical = binary.LittleEndian.Uint64(data[offset:])
		offset += 8
	}

	return cfg, nil
}
