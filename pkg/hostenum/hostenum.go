// Package hostenum maps a filesystem UUID to its constituent devices
// and mountpoints, and tests whether an open fd is a subvolume root.
// Grounded on bedup's WholeFS (mpoints_by_dev, device_info), translated
// from Python's subprocess.check_output/regex into os/exec plus a
// compiled regexp.
package hostenum

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"

	"go.uber.org/fx"
)

// Module provides an OSEnumerator as the HostEnumerator implementation
// for fx-based wiring.
var Module = fx.Module("hostenum",
	fx.Provide(func() HostEnumerator { return NewOSEnumerator() }),
)

// MountEntry is one (subvolume path, mountpoint) pairing resolved from
// the OS mount table for a single device.
type MountEntry struct {
	SubvolPath string
	Mountpoint string
}

// HostEnumerator discovers mounted btrfs volumes and their devices,
// with a usable default implementation (OSEnumerator) below.
type HostEnumerator interface {
	DevicesForUUID(uuid string) ([]string, error)
	MountpointsForDevice(dev string) ([]MountEntry, error)
	IsSubvolume(fd int) (bool, error)
}

// btrfsFirstFreeObjectID is the inode number a subvolume's root
// directory always carries, mirroring bedup's module-level
// is_subvolume predicate.
const btrfsFirstFreeObjectID = 256

// OSEnumerator reads /proc/self/mountinfo and shells out to blkid,
// the same two data sources bedup's WholeFS draws from.
type OSEnumerator struct {
	blkidPath string
}

func NewOSEnumerator() *OSEnumerator {
	return &OSEnumerator{blkidPath: "blkid"}
}

var blkidLineRe = regexp.MustCompile(`^(/dev/\S+):.*\bUUID="([0-9a-fA-F-]+)"`)

// DevicesForUUID shells out to `blkid` and returns every device node
// reporting the given filesystem UUID (btrfs filesystems may span
// several devices), adapted from bedup's device_info property which
// parses the same CLI's output with a regex.
func (e *OSEnumerator) DevicesForUUID(uuid string) ([]string, error) {
	out, err := exec.Command(e.blkidPath).Output()
	if err != nil {
		return nil, fmt.Errorf("blkid: %w", err)
	}
	return parseBlkidOutput(out, uuid), nil
}

// parseBlkidOutput scans blkid's default output for devices reporting
// uuid, split out from DevicesForUUID so the regex can be exercised
// without shelling out.
func parseBlkidOutput(out []byte, uuid string) []string {
	var devices []string
	for _, line := range strings.Split(string(out), "\n") {
		m := blkidLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if strings.EqualFold(m[2], uuid) {
			devices = append(devices, m[1])
		}
	}
	return devices
}

// MountpointsForDevice parses /proc/self/mountinfo for every btrfs
// mount backed by dev, returning the mount's root field (the subvolume
// path within the filesystem) alongside the mountpoint, the same
// pairing bedup's mpoints_by_dev extracts from /proc/self/mountinfo's
// "- btrfs" separator field.
func (e *OSEnumerator) MountpointsForDevice(dev string) ([]MountEntry, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()
	return parseMountinfo(f, dev)
}

// parseMountinfo reads mountinfo-formatted text from r and returns every
// btrfs mount backed by dev, split out from MountpointsForDevice so the
// field parsing can be exercised against a fixed string.
func parseMountinfo(r io.Reader, dev string) ([]MountEntry, error) {
	var out []MountEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		sep := indexOf(fields, "-")
		if sep < 0 || sep+2 >= len(fields) {
			continue
		}
		fsType := fields[sep+1]
		source := fields[sep+2]
		if fsType != "btrfs" || source != dev {
			continue
		}

		mountpoint := fields[4]
		subvolPath := "/"
		for _, opt := range strings.Split(fields[3], ",") {
			// field[3] is the root field (subvol path within the fs),
			// already what bedup calls mpoints_by_dev's "path" key.
			subvolPath = opt
			break
		}
		out = append(out, MountEntry{SubvolPath: subvolPath, Mountpoint: mountpoint})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan mountinfo: %w", err)
	}
	return out, nil
}

// IsSubvolume reports whether fd's root directory inode equals
// BTRFS_FIRST_FREE_OBJECTID, the fstat-based predicate bedup's
// module-level is_subvolume uses.
func (e *OSEnumerator) IsSubvolume(fd int) (bool, error) {
	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		return false, fmt.Errorf("fstat: %w", err)
	}
	return stat.Ino == btrfsFirstFreeObjectID, nil
}

func indexOf(fields []string, s string) int {
	for i, f := range fields {
		if f == s {
			return i
		}
	}
	return -1
}
