package blockdevice

import (
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Configuration describes how a BlockDevice should be constructed. A
// backing device may either be an explicit device path (e.g. a raw
// partition) or a regular file that is grown to a fixed size on first
// use.
type Configuration struct {
	DevicePath string
	File       *FileConfiguration

	// WriteConcurrencyLimit bounds the number of WriteAt() calls
	// that may be in flight simultaneously. Zero means unlimited.
	WriteConcurrencyLimit int64
}

// FileConfiguration describes a regular file that backs a BlockDevice.
type FileConfiguration struct {
	Path      string
	SizeBytes int64
}

// NewBlockDeviceFromConfiguration creates a BlockDevice based on
// parameters provided in a configuration file.
func NewBlockDeviceFromConfiguration(configuration *Configuration, mayZeroInitialize bool) (BlockDevice, int, int64, error) {
	if configuration == nil {
		return nil, 0, 0, status.Error(codes.InvalidArgument, "Block device configuration not specified")
	}

	var blockDevice BlockDevice
	var sectorSizeBytes int
	var sectorCount int64
	switch {
	case configuration.DevicePath != "":
		var err error
		blockDevice, sectorSizeBytes, sectorCount, err = NewBlockDeviceFromDevice(configuration.DevicePath)
		if err != nil {
			return nil, 0, 0, err
		}
	case configuration.File != nil:
		var err error
		blockDevice, sectorSizeBytes, sectorCount, err = NewBlockDeviceFromFile(configuration.File.Path, int(configuration.File.SizeBytes), mayZeroInitialize)
		if err != nil {
			return nil, 0, 0, err
		}
	default:
		return nil, 0, 0, status.Error(codes.InvalidArgument, "Configuration did not contain a supported block device source")
	}

	if limit := configuration.WriteConcurrencyLimit; limit > 0 {
		blockDevice = NewWriteConcurrencyLimitingBlockDevice(
			blockDevice,
			semaphore.NewWeighted(limit),
		)
	}
	return blockDevice, sectorSizeBytes, sectorCount, nil
}
