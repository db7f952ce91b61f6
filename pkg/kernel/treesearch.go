package kernel

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// btrfs ioctl magic number, shared by every BTRFS_IOC_* request.
const btrfsIoctlMagic = 0x94

// Tree and object IDs used by the scanner and subvolume resolution.
const (
	RootTreeObjectID  = 1
	FirstFreeObjectID = 256
)

// Item key types consumed by the dedup pipeline.
const (
	InodeItemKey = 1
)

const searchKeySize = 104
const searchBufSize = 4096 - searchKeySize

// btrfsIoctlSearchKey is BTRFS_IOC_TREE_SEARCH's request key.
type btrfsIoctlSearchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransID  uint64
	MaxTransID  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	_unused     uint32
	_unused1    uint64
	_unused2    uint64
	_unused3    uint64
	_unused4    uint64
}

type btrfsIoctlSearchArgs struct {
	Key btrfsIoctlSearchKey
	Buf [searchBufSize]byte
}

type btrfsSearchHeader struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

// SearchResult is one record returned from a tree search: a header
// plus the packed payload bytes following it.
type SearchResult struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Data     []byte
}

// SearchKey bounds a BTRFS_IOC_TREE_SEARCH request. TreeID==0 addresses
// the current subvolume's own tree, per the ioctl's documented meaning.
type SearchKey struct {
	TreeID                   uint64
	MinObjectID, MaxObjectID uint64
	MinOffset, MaxOffset     uint64
	MinTransID, MaxTransID   uint64
	MinType, MaxType         uint32
}

var ioctlTreeSearch = ioctl.IOWR(btrfsIoctlMagic, 17, unsafe.Sizeof(btrfsIoctlSearchArgs{}))

// TreeSearch performs a BTRFS_IOC_TREE_SEARCH, paging 4096 records at a
// time, advancing the min_* bounds as the kernel reports the last item
// seen. The kernel may hand back other item types in the same buffer;
// this function filters to key.MinType..key.MaxType before returning,
// same shape every BTRFS_IOC_TREE_SEARCH caller here uses.
func TreeSearch(f *os.File, key SearchKey) ([]SearchResult, error) {
	var results []SearchResult

	args := btrfsIoctlSearchArgs{
		Key: btrfsIoctlSearchKey{
			TreeID:      key.TreeID,
			MinObjectID: key.MinObjectID,
			MaxObjectID: key.MaxObjectID,
			MinOffset:   key.MinOffset,
			MaxOffset:   key.MaxOffset,
			MinTransID:  key.MinTransID,
			MaxTransID:  key.MaxTransID,
			MinType:     key.MinType,
			MaxType:     key.MaxType,
			NrItems:     4096,
		},
	}

	for {
		if err := ioctl.Do(f, ioctlTreeSearch, &args); err != nil {
			return nil, fmt.Errorf("tree search ioctl: %w", err)
		}

		if args.Key.NrItems == 0 {
			break
		}

		offset := 0
		var last btrfsSearchHeader
		gotItems := false
		for i := uint32(0); i < args.Key.NrItems; i++ {
			if offset+32 > len(args.Buf) {
				break
			}
			hdr := btrfsSearchHeader{
				TransID:  binary.LittleEndian.Uint64(args.Buf[offset:]),
				ObjectID: binary.LittleEndian.Uint64(args.Buf[offset+8:]),
				Offset:   binary.LittleEndian.Uint64(args.Buf[offset+16:]),
				Type:     binary.LittleEndian.Uint32(args.Buf[offset+24:]),
				Len:      binary.LittleEndian.Uint32(args.Buf[offset+28:]),
			}
			offset += 32

			if offset+int(hdr.Len) > len(args.Buf) {
				break
			}

			if hdr.Type >= key.MinType && hdr.Type <= key.MaxType {
				data := make([]byte, hdr.Len)
				copy(data, args.Buf[offset:offset+int(hdr.Len)])
				results = append(results, SearchResult{
					TransID:  hdr.TransID,
					ObjectID: hdr.ObjectID,
					Offset:   hdr.Offset,
					Type:     hdr.Type,
					Data:     data,
				})
			}
			offset += int(hdr.Len)
			last = hdr
			gotItems = true
		}

		if !gotItems {
			break
		}

		if last.Offset == ^uint64(0) {
			if last.Type == key.MaxType {
				if last.ObjectID == key.MaxObjectID {
					break
				}
				args.Key.MinObjectID = last.ObjectID + 1
				args.Key.MinType = key.MinType
			} else {
				args.Key.MinType = last.Type + 1
			}
			args.Key.MinOffset = 0
		} else {
			args.Key.MinObjectID = last.ObjectID
			args.Key.MinType = last.Type
			args.Key.MinOffset = last.Offset + 1
		}
		args.Key.NrItems = 4096
	}

	return results, nil
}

// InodeItem holds the {generation, size, mode} fields ParseInodeItem
// reads from an INODE_ITEM payload using the little-endian offsets of
// the on-disk btrfs_inode_item layout: generation at 0, size at 16
// (after generation(8)+transid(8)), mode at 52 — the same fields
// btrfs_stack_inode_generation/size/mode read in bedup's cffi
// bindings.
type InodeItem struct {
	Generation uint64
	Size       uint64
	Mode       uint32
}

// Offsets within struct btrfs_inode_item, matching the kernel's
// on-disk layout (generation, transid, size, nbytes, block_group,
// nlink, uid, gid, mode at 52).
const (
	inodeItemGenerationOff = 0
	inodeItemSizeOff       = 16
	inodeItemModeOff       = 52
)

func ParseInodeItem(data []byte) (InodeItem, error) {
	if len(data) < inodeItemModeOff+4 {
		return InodeItem{}, fmt.Errorf("inode item too small: %d bytes", len(data))
	}
	return InodeItem{
		Generation: binary.LittleEndian.Uint64(data[inodeItemGenerationOff:]),
		Size:       binary.LittleEndian.Uint64(data[inodeItemSizeOff:]),
		Mode:       binary.LittleEndian.Uint32(data[inodeItemModeOff:]),
	}, nil
}
