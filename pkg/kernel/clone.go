package kernel

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// btrfsIoctlSameExtentInfo mirrors struct btrfs_ioctl_same_extent_info,
// one destination fd/offset pair in a BTRFS_IOC_EXTENT_SAME request.
type btrfsIoctlSameExtentInfo struct {
	FD             int64
	LogicalOffset  uint64
	BytesDeduped   uint64
	Status         int32
	Reserved       uint32
}

// btrfsIoctlSameArgs mirrors struct btrfs_ioctl_same_args, with a
// single trailing destination since CloneData always dedups one
// source range against one destination range.
type btrfsIoctlSameArgs struct {
	LogicalOffset uint64
	Length        uint64
	DestCount     uint16
	Reserved1     uint16
	Reserved2     uint32
	Info          btrfsIoctlSameExtentInfo
}

// The kernel's struct ends in a flexible info array, so the size
// encoded in the ioctl number covers only the fixed header.
var ioctlExtentSame = ioctl.IOWR(btrfsIoctlMagic, 54, unsafe.Offsetof(btrfsIoctlSameArgs{}.Info))

// Same-extent result codes, from btrfs_ioctl.h.
const (
	SameExtentSameData = 0
	SameExtentDataDiffers = 1
)

// CloneResult reports the outcome of a CloneData call.
type CloneResult struct {
	// AlreadyShared is true when check_first found the two ranges
	// already backed by the same physical extents; no ioctl was
	// issued.
	AlreadyShared bool
	BytesDeduped  uint64
}

// CloneData shares the byte range [offset, offset+length) between src
// and dst via BTRFS_IOC_EXTENT_SAME (ioctl #54), the modern byte-range
// same-extent dedup call used by tools like bees and duperemove, in
// place of the legacy whole-file BTRFS_IOC_CLONE. When checkFirst is
// set, it first compares the two ranges' physical extents via FIEMAP;
// if they already point at the same physical blocks, it reports
// AlreadyShared without issuing the ioctl, since EXTENT_SAME itself
// has no distinct "already shared" status. Grounded on bedup's
// clone_data(check_first=True) calls in tracking.py.
func CloneData(src, dst *os.File, offset, length uint64, checkFirst bool) (CloneResult, error) {
	if checkFirst {
		same, err := sameExtents(src, dst, offset, length)
		if err != nil {
			return CloneResult{}, err
		}
		if same {
			return CloneResult{AlreadyShared: true, BytesDeduped: length}, nil
		}
	}

	args := btrfsIoctlSameArgs{
		LogicalOffset: offset,
		Length:        length,
		DestCount:     1,
		Info: btrfsIoctlSameExtentInfo{
			FD:            int64(dst.Fd()),
			LogicalOffset: offset,
		},
	}

	if err := ioctl.Do(src, ioctlExtentSame, &args); err != nil {
		return CloneResult{}, fmt.Errorf("extent_same ioctl: %w", err)
	}

	if args.Info.Status == SameExtentDataDiffers {
		return CloneResult{}, fmt.Errorf("extent_same: source and destination ranges differ")
	}
	if args.Info.Status < 0 {
		return CloneResult{}, fmt.Errorf("extent_same: destination error status %d", args.Info.Status)
	}

	return CloneResult{BytesDeduped: args.Info.BytesDeduped}, nil
}

// sameExtents reports whether src and dst already share physical
// storage for [offset, offset+length) by comparing their FIEMAP
// extent lists restricted to that range.
func sameExtents(src, dst *os.File, offset, length uint64) (bool, error) {
	srcExtents, err := FileExtents(src)
	if err != nil {
		return false, fmt.Errorf("fiemap src: %w", err)
	}
	dstExtents, err := FileExtents(dst)
	if err != nil {
		return false, fmt.Errorf("fiemap dst: %w", err)
	}

	srcRange := extentsInRange(srcExtents, offset, length)
	dstRange := extentsInRange(dstExtents, offset, length)
	if len(srcRange) == 0 || len(srcRange) != len(dstRange) {
		return false, nil
	}
	for i := range srcRange {
		if srcRange[i].Physical != dstRange[i].Physical || srcRange[i].Length != dstRange[i].Length {
			return false, nil
		}
	}
	return true, nil
}

func extentsInRange(extents []Extent, offset, length uint64) []Extent {
	end := offset + length
	var out []Extent
	for _, e := range extents {
		if e.Logical+e.Length <= offset || e.Logical >= end {
			continue
		}
		out = append(out, e)
	}
	return out
}

// btrfsIoctlDefragRangeArgs mirrors struct btrfs_ioctl_defrag_range_args.
type btrfsIoctlDefragRangeArgs struct {
	Start         uint64
	Len           uint64
	Flags         uint64
	Extent_thresh uint32
	Compress_type uint32
	Unused        [4]uint32
}

var ioctlDefragRange = ioctl.IOW(btrfsIoctlMagic, 16, unsafe.Sizeof(btrfsIoctlDefragRangeArgs{}))

// Defragment issues BTRFS_IOC_DEFRAG_RANGE over a file's full extent,
// used after a dedup pass leaves a file's remaining unshared extents
// fragmented.
func Defragment(f *os.File) error {
	args := btrfsIoctlDefragRangeArgs{}
	if err := ioctl.Do(f, ioctlDefragRange, &args); err != nil {
		return fmt.Errorf("defrag_range ioctl: %w", err)
	}
	return nil
}
