package kernel

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/dennwc/ioctl"
	"github.com/google/uuid"
)

// UUID is a raw 16-byte filesystem identifier, laid out exactly as the
// kernel returns it from BTRFS_IOC_FS_INFO.
type UUID [16]byte

// String renders the canonical dashed-hex form via google/uuid, whose
// on-the-wire byte layout matches the kernel's.
func (u UUID) String() string {
	return uuid.UUID(u).String()
}

func (u UUID) IsZero() bool {
	for _, b := range u {
		if b != 0 {
			return false
		}
	}
	return true
}

// btrfsIoctlFsInfoArgs matches struct btrfs_ioctl_fs_info_args.
type btrfsIoctlFsInfoArgs struct {
	MaxID          uint64
	NumDevices     uint64
	FSID           [16]byte
	NodeSize       uint32
	SectorSize     uint32
	CloneAlignment uint32
	CsumType       uint16
	CsumSize       uint16
	Flags          uint64
	Generation     uint64
	MetadataUUID   [16]byte
	Reserved       [944]byte
}

var ioctlFsInfo = ioctl.IOR(btrfsIoctlMagic, 31, unsafe.Sizeof(btrfsIoctlFsInfoArgs{}))

// FSID returns the filesystem UUID for an open volume fd via
// BTRFS_IOC_FS_INFO.
func FSID(f *os.File) (UUID, error) {
	var args btrfsIoctlFsInfoArgs
	if err := ioctl.Do(f, ioctlFsInfo, &args); err != nil {
		return UUID{}, fmt.Errorf("FS_INFO ioctl: %w", err)
	}
	return UUID(args.FSID), nil
}

// RootGeneration returns the current committed generation of the
// filesystem owning f, via BTRFS_IOC_FS_INFO.
func RootGeneration(f *os.File) (uint64, error) {
	var args btrfsIoctlFsInfoArgs
	if err := ioctl.Do(f, ioctlFsInfo, &args); err != nil {
		return 0, fmt.Errorf("FS_INFO ioctl: %w", err)
	}
	return args.Generation, nil
}

// RootID returns the id of the subvolume tree containing the open
// directory fd, via BTRFS_IOC_INO_LOOKUP on object id 0 — the kernel
// fills the call's TreeID output field with the fd's own subvolume
// root id rather than resolving some other object's path.
func RootID(f *os.File) (uint64, error) {
	args := btrfsIoctlInoLookupArgs{TreeID: 0, ObjectID: 0}
	if err := ioctl.Do(f, ioctlInoLookup, &args); err != nil {
		return 0, fmt.Errorf("ino_lookup ioctl: %w", err)
	}
	return args.TreeID, nil
}

// RootInfo is one entry in a read-only root-tree snapshot.
type RootInfo struct {
	Path     string
	IsFrozen bool
}

// Root item key types, used when resolving the subvolume tree for
// reporting.
const (
	rootItemKey    = 132
	rootBackrefKey = 144
	rootSubvolReadonly = 1 << 0
)

// ReadRootTree returns a read-only snapshot of the subvolume tree:
// root_id -> {path, is_frozen}.
func ReadRootTree(f *os.File) (map[uint64]RootInfo, error) {
	items, err := TreeSearch(f, SearchKey{
		TreeID:      RootTreeObjectID,
		MinObjectID: FirstFreeObjectID,
		MaxObjectID: ^uint64(0),
		MinOffset:   0,
		MaxOffset:   ^uint64(0),
		MinTransID:  0,
		MaxTransID:  ^uint64(0),
		MinType:     rootItemKey,
		MaxType:     rootItemKey,
	})
	if err != nil {
		return nil, fmt.Errorf("tree search root items: %w", err)
	}

	flags := make(map[uint64]uint64, len(items))
	for _, it := range items {
		if len(it.Data) < 216 {
			continue
		}
		flags[it.ObjectID] = binary.LittleEndian.Uint64(it.Data[208:216])
	}

	backrefs, err := TreeSearch(f, SearchKey{
		TreeID:      RootTreeObjectID,
		MinObjectID: FirstFreeObjectID,
		MaxObjectID: ^uint64(0),
		MinOffset:   0,
		MaxOffset:   ^uint64(0),
		MinTransID:  0,
		MaxTransID:  ^uint64(0),
		MinType:     rootBackrefKey,
		MaxType:     rootBackrefKey,
	})
	if err != nil {
		return nil, fmt.Errorf("tree search backrefs: %w", err)
	}

	type backref struct {
		parentID uint64
		name     string
	}
	byChild := make(map[uint64]backref, len(backrefs))
	for _, r := range backrefs {
		if len(r.Data) < 18 {
			continue
		}
		nameLen := int(binary.LittleEndian.Uint16(r.Data[16:18]))
		if len(r.Data) < 18+nameLen {
			continue
		}
		byChild[r.ObjectID] = backref{parentID: r.Offset, name: string(r.Data[18 : 18+nameLen])}
	}

	paths := map[uint64]string{5: "/"}
	var resolve func(id uint64, seen map[uint64]bool) string
	resolve = func(id uint64, seen map[uint64]bool) string {
		if id == 5 {
			return ""
		}
		if p, ok := paths[id]; ok {
			return p
		}
		if seen[id] {
			return ""
		}
		seen[id] = true
		br, ok := byChild[id]
		if !ok {
			return ""
		}
		parent := resolve(br.parentID, seen)
		if parent == "" {
			return br.name
		}
		return parent + "/" + br.name
	}
	for id := range byChild {
		paths[id] = resolve(id, map[uint64]bool{})
	}

	out := make(map[uint64]RootInfo, len(flags))
	for id, fl := range flags {
		out[id] = RootInfo{
			Path:     paths[id],
			IsFrozen: fl&rootSubvolReadonly != 0,
		}
	}
	return out, nil
}

// btrfsIoctlInoLookupArgs matches struct btrfs_ioctl_ino_lookup_args.
type btrfsIoctlInoLookupArgs struct {
	TreeID   uint64
	ObjectID uint64
	Name     [4080]byte
}

var ioctlInoLookup = ioctl.IOWR(btrfsIoctlMagic, 18, unsafe.Sizeof(btrfsIoctlInoLookupArgs{}))

// LookupInoPathOne resolves an inode to one valid path via
// BTRFS_IOC_INO_LOOKUP, returning syscall.ENOENT if none exists. The
// subvolume's own root directory (FirstFreeObjectID) resolves to "".
// Mirrors the BTRFS_IOC_INO_LOOKUP call btrfs-progs' inspect-internal
// subcommand makes.
func LookupInoPathOne(f *os.File, ino uint64) (string, error) {
	args := btrfsIoctlInoLookupArgs{TreeID: 0, ObjectID: ino}
	if err := ioctl.Do(f, ioctlInoLookup, &args); err != nil {
		return "", fmt.Errorf("ino_lookup ioctl: %w", err)
	}
	n := 0
	for n < len(args.Name) && args.Name[n] != 0 {
		n++
	}
	if n == 0 && ino != FirstFreeObjectID {
		return "", syscall.ENOENT
	}
	return string(args.Name[:n]), nil
}
