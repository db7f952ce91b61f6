package kernel

import (
	"fmt"

	"github.com/dennwc/btrfs"
)

// DeviceInfo is a minimal cross-check of a volume's containing device.
type DeviceInfo struct {
	ID   uint64
	Path string
}

// PrimaryDevice opens path through github.com/dennwc/btrfs and returns
// device id 1's path. It exists only as a cross-check against
// pkg/hostenum's blkid-based resolution (the single/primary-device
// case is the common one); the dedup pipeline itself never goes
// through this path. TreeSearch and friends talk to the kernel
// directly instead, so their wire structures stay bit-exact.
func PrimaryDevice(path string) (DeviceInfo, error) {
	fs, err := btrfs.Open(path, true)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("open btrfs %q: %w", path, err)
	}
	defer fs.Close()

	info, err := fs.GetDevInfo(1)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("get dev info: %w", err)
	}
	return DeviceInfo{ID: 1, Path: info.Path}, nil
}
