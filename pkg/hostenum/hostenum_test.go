package hostenum

import (
	"strings"
	"testing"
)

func TestParseBlkidOutput(t *testing.T) {
	out := []byte(
		"/dev/sda1: UUID=\"abc-123\" TYPE=\"btrfs\"\n" +
			"/dev/sda2: UUID=\"def-456\" TYPE=\"ext4\"\n" +
			"/dev/sdb1: UUID=\"ABC-123\" TYPE=\"btrfs\"\n" +
			"garbage line with no colon\n",
	)

	devices := parseBlkidOutput(out, "abc-123")
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices (case-insensitive UUID match), got %v", devices)
	}
	if devices[0] != "/dev/sda1" || devices[1] != "/dev/sdb1" {
		t.Errorf("unexpected devices: %v", devices)
	}

	none := parseBlkidOutput(out, "not-present")
	if len(none) != 0 {
		t.Errorf("expected no devices for unmatched uuid, got %v", none)
	}
}

func TestParseMountinfo(t *testing.T) {
	// Abbreviated mountinfo lines: fields up to the "-" separator, then
	// fsType and source.
	data := "36 35 0:3 /subvol1 /mnt/data rw - btrfs /dev/sda1 rw,subvolid=256\n" +
		"37 35 0:4 / /mnt/other rw - ext4 /dev/sdb1 rw\n" +
		"38 35 0:3 /subvol2 /mnt/data2 rw - btrfs /dev/sda1 rw,subvolid=257\n"

	entries, err := parseMountinfo(strings.NewReader(data), "/dev/sda1")
	if err != nil {
		t.Fatalf("parseMountinfo failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Mountpoint != "/mnt/data" || entries[0].SubvolPath != "/subvol1" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Mountpoint != "/mnt/data2" || entries[1].SubvolPath != "/subvol2" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestParseMountinfoNoMatch(t *testing.T) {
	data := "37 35 0:4 / /mnt/other rw - ext4 /dev/sdb1 rw\n"

	entries, err := parseMountinfo(strings.NewReader(data), "/dev/sda1")
	if err != nil {
		t.Fatalf("parseMountinfo failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %+v", entries)
	}
}
