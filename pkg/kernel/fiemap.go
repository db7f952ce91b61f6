package kernel

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// FS_IOC_FIEMAP, shared across filesystems (not a BTRFS_IOC_* number).
// The kernel's struct fiemap ends in a flexible extent array, so the
// size encoded in the number covers only the fixed header.
var ioctlFiemap = ioctl.IOWR('f', 11, unsafe.Offsetof(fiemap{}.Extents))

const fiemapExtentCount = 32

// fiemapExtent mirrors struct fiemap_extent.
type fiemapExtent struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	Reserved64 [2]uint64
	Flags      uint32
	Reserved32 [3]uint32
}

// fiemap mirrors struct fiemap with a fixed-size trailing extent array.
type fiemap struct {
	Start        uint64
	Length       uint64
	Flags        uint32
	MappedExtents uint32
	ExtentCount  uint32
	Reserved     uint32
	Extents      [fiemapExtentCount]fiemapExtent
}

const (
	fiemapFlagSync = 0x00000001
	fiemapExtentLast   = 0x00000001
	fiemapExtentShared = 0x00002000
)

// Extent is one physical extent mapping returned by FileExtents,
// trimmed to the fields the grouper and clone logic need: no
// fragmentation-metric derivation, that belongs to a reporting tool,
// not dedup.
type Extent struct {
	Logical  uint64
	Physical uint64
	Length   uint64
	Shared   bool
	Last     bool
}

// FileExtents reads the full extent map of f via FS_IOC_FIEMAP, paging
// fiemapExtentCount entries at a time.
func FileExtents(f *os.File) ([]Extent, error) {
	var extents []Extent
	start := uint64(0)

	for {
		req := fiemap{
			Start:       start,
			Length:      ^uint64(0),
			Flags:       fiemapFlagSync,
			ExtentCount: fiemapExtentCount,
		}

		if err := ioctl.Do(f, ioctlFiemap, &req); err != nil {
			return nil, fmt.Errorf("fiemap ioctl: %w", err)
		}

		if req.MappedExtents == 0 {
			break
		}

		var last fiemapExtent
		for i := uint32(0); i < req.MappedExtents; i++ {
			e := req.Extents[i]
			extents = append(extents, Extent{
				Logical:  e.Logical,
				Physical: e.Physical,
				Length:   e.Length,
				Shared:   e.Flags&fiemapExtentShared != 0,
				Last:     e.Flags&fiemapExtentLast != 0,
			})
			last = e
		}

		if last.Flags&fiemapExtentLast != 0 {
			break
		}
		start = last.Logical + last.Length
	}

	return extents, nil
}

// ExtentHashInput returns the deterministic byte sequence the grouper
// hashes to compute a Commonality2 fiemap_hash: the tuple of
// (physical, length) for every extent, skipping logical offsets since
// two files holding the same extents at different logical positions
// still share storage.
func ExtentHashInput(extents []Extent) []byte {
	buf := make([]byte, 0, len(extents)*16)
	var tmp [16]byte
	for _, e := range extents {
		binary.LittleEndian.PutUint64(tmp[0:8], e.Physical)
		binary.LittleEndian.PutUint64(tmp[8:16], e.Length)
		buf = append(buf, tmp[:]...)
	}
	return buf
}
