package depot

import (
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/depot/readonly"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DeviceConfig describes the two raw block devices that back a
// depot's on-disk state: one holding every zone's slab summary
// sectors, the other holding every slab's journal tail-block ring.
// This is the configuration a standalone binary supplies; tests
// exercise Decode directly against hand-rolled in-memory fakes
// instead.
type DeviceConfig struct {
	Summary blockdevice.Configuration
	Journal blockdevice.Configuration

	// JournalBlockSizeBytes and JournalBlocksPerSlab describe the
	// fixed-size ring every slab is given on the journal device,
	// addressed by DeviceJournalReader/DeviceJournalWriter as
	// sequence_number modulo JournalBlocksPerSlab.
	JournalBlockSizeBytes int
	JournalBlocksPerSlab  int
}

// OpenFromConfiguration opens the summary and journal block devices
// named by devCfg (growing or reusing backing files as needed, per
// blockdevice.NewBlockDeviceFromConfiguration) and decodes a depot
// against them, installing a DeviceJournalWriter so that subsequent
// Sync calls persist sealed tails back to the journal device.
func OpenFromConfiguration(records []SlabRecord, cfg Config, loadType LoadType, readOnly *readonly.Notifier, errorLogger util.ErrorLogger, devCfg DeviceConfig) (*Depot, error) {
	if devCfg.JournalBlockSizeBytes <= 0 || devCfg.JournalBlocksPerSlab <= 0 {
		return nil, status.Error(codes.InvalidArgument, "journal block size and blocks per slab must both be positive")
	}

	// mayZeroInitialize is false: bring-up must never discard a
	// device's existing contents, only extend it if it's too small.
	summaryDevice, _, _, err := blockdevice.NewBlockDeviceFromConfiguration(&devCfg.Summary, false)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to open slab summary device: %s", err)
	}
	journalDevice, _, _, err := blockdevice.NewBlockDeviceFromConfiguration(&devCfg.Journal, false)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to open slab journal device: %s", err)
	}

	origin := func(slabNumber uint64) int64 {
		return int64(slabNumber) * int64(devCfg.JournalBlocksPerSlab) * int64(devCfg.JournalBlockSizeBytes)
	}
	blockCount := func(slabNumber uint64) int { return devCfg.JournalBlocksPerSlab }

	d, err := Decode(records, cfg, loadType, readOnly, errorLogger, &DeviceJournalReader{
		Device:             journalDevice,
		BlockSizeBytes:     devCfg.JournalBlockSizeBytes,
		JournalOriginBytes: origin,
		JournalBlockCount:  blockCount,
	}, summaryDevice)
	if err != nil {
		return nil, err
	}
	d.SetJournalWriter(&DeviceJournalWriter{
		Device:             journalDevice,
		BlockSizeBytes:     devCfg.JournalBlockSizeBytes,
		JournalOriginBytes: origin,
		JournalBlockCount:  blockCount,
	})
	return d, nil
}
