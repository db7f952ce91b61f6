package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/elee1766/btrdedup/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{DBPath: filepath.Join(t.TempDir(), "btrdedup.db")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := Open(cfg, logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGetOrCreateFilesystem(t *testing.T) {
	st := newTestStore(t)

	fs1, created, err := st.GetOrCreateFilesystem("uuid-a")
	if err != nil {
		t.Fatalf("GetOrCreateFilesystem failed: %v", err)
	}
	if !created {
		t.Error("expected new filesystem to be created")
	}

	fs2, created, err := st.GetOrCreateFilesystem("uuid-a")
	if err != nil {
		t.Fatalf("GetOrCreateFilesystem (repeat) failed: %v", err)
	}
	if created {
		t.Error("expected existing filesystem to be reused")
	}
	if fs1.ID != fs2.ID {
		t.Errorf("expected same id, got %d and %d", fs1.ID, fs2.ID)
	}

	list, err := st.ListFilesystems()
	if err != nil {
		t.Fatalf("ListFilesystems failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 filesystem, got %d", len(list))
	}
}

func TestGetOrCreateVolume(t *testing.T) {
	st := newTestStore(t)
	fs, _, err := st.GetOrCreateFilesystem("uuid-a")
	if err != nil {
		t.Fatalf("GetOrCreateFilesystem failed: %v", err)
	}

	vol1, created, err := st.GetOrCreateVolume(fs.ID, 5, 1024)
	if err != nil {
		t.Fatalf("GetOrCreateVolume failed: %v", err)
	}
	if !created {
		t.Error("expected new volume to be created")
	}
	if vol1.SizeCutoff != 1024 {
		t.Errorf("expected size cutoff 1024, got %d", vol1.SizeCutoff)
	}

	vol2, created, err := st.GetOrCreateVolume(fs.ID, 5, 2048)
	if err != nil {
		t.Fatalf("GetOrCreateVolume (repeat) failed: %v", err)
	}
	if created {
		t.Error("expected existing volume to be reused")
	}
	if vol2.SizeCutoff != 1024 {
		t.Errorf("expected cutoff unchanged on reuse, got %d", vol2.SizeCutoff)
	}
}

func TestUpdateMountpointHistory(t *testing.T) {
	st := newTestStore(t)
	fs, _, _ := st.GetOrCreateFilesystem("uuid-a")
	vol, _, _ := st.GetOrCreateVolume(fs.ID, 5, 1024)

	if err := st.UpdateMountpoint(vol.ID, "/mnt/a"); err != nil {
		t.Fatalf("UpdateMountpoint failed: %v", err)
	}
	if err := st.UpdateMountpoint(vol.ID, "/mnt/a"); err != nil {
		t.Fatalf("UpdateMountpoint (same path) failed: %v", err)
	}
	if err := st.UpdateMountpoint(vol.ID, "/mnt/b"); err != nil {
		t.Fatalf("UpdateMountpoint (new path) failed: %v", err)
	}

	var count int
	row := st.conn.QueryRow("SELECT COUNT(*) FROM volume_path_history WHERE vol_id = ?", vol.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count history failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 history rows (dedup of repeated path), got %d", count)
	}
}

func TestForgetVolume(t *testing.T) {
	st := newTestStore(t)
	fs, _, _ := st.GetOrCreateFilesystem("uuid-a")
	vol, _, _ := st.GetOrCreateVolume(fs.ID, 5, 1024)

	if err := st.UpsertInode(vol.ID, 100, 2048); err != nil {
		t.Fatalf("UpsertInode failed: %v", err)
	}
	if err := st.UpdateScanWatermark(vol.ID, 42, 1024); err != nil {
		t.Fatalf("UpdateScanWatermark failed: %v", err)
	}

	if err := st.ForgetVolume(vol.ID); err != nil {
		t.Fatalf("ForgetVolume failed: %v", err)
	}

	if _, ok, err := st.GetMiniHash(InodeRef{VolID: vol.ID, Ino: 100}); err == nil && ok {
		t.Error("expected inode to be gone after forget")
	}

	volumes, err := st.ListVolumes(fs.ID)
	if err != nil {
		t.Fatalf("ListVolumes failed: %v", err)
	}
	if len(volumes) != 1 {
		t.Fatalf("expected 1 volume, got %d", len(volumes))
	}
	if volumes[0].LastTrackedGeneration != 0 {
		t.Errorf("expected watermark reset to 0, got %d", volumes[0].LastTrackedGeneration)
	}
}

func TestRecordAndListEvents(t *testing.T) {
	st := newTestStore(t)
	fs, _, _ := st.GetOrCreateFilesystem("uuid-a")
	vol, _, _ := st.GetOrCreateVolume(fs.ID, 5, 1024)

	participants := []InodeRef{{VolID: vol.ID, Ino: 1}, {VolID: vol.ID, Ino: 2}}
	if err := st.RecordEvent(fs.ID, 4096, participants); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	events, err := st.ListEvents(fs.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Participants != 2 {
		t.Errorf("expected 2 participants, got %d", events[0].Participants)
	}
	if events[0].ItemSize != 4096 {
		t.Errorf("expected item size 4096, got %d", events[0].ItemSize)
	}
}

func TestClearUpdatesAndMaxInodeSize(t *testing.T) {
	st := newTestStore(t)
	fs, _, _ := st.GetOrCreateFilesystem("uuid-a")
	vol, _, _ := st.GetOrCreateVolume(fs.ID, 5, 0)

	if err := st.UpsertInode(vol.ID, 1, 100); err != nil {
		t.Fatalf("UpsertInode failed: %v", err)
	}
	if err := st.UpsertInode(vol.ID, 2, 200); err != nil {
		t.Fatalf("UpsertInode failed: %v", err)
	}
	if err := st.UpsertInode(vol.ID, 3, 300); err != nil {
		t.Fatalf("UpsertInode failed: %v", err)
	}

	max, err := st.MaxInodeSize([]int64{vol.ID})
	if err != nil {
		t.Fatalf("MaxInodeSize failed: %v", err)
	}
	if max != 300 {
		t.Errorf("expected max size 300, got %d", max)
	}

	if err := st.ClearUpdates([]int64{vol.ID}, 100, 200); err != nil {
		t.Fatalf("ClearUpdates failed: %v", err)
	}

	var updates int
	row := st.conn.QueryRow("SELECT has_updates FROM inode WHERE vol_id = ? AND ino = 1", vol.ID)
	if err := row.Scan(&updates); err != nil {
		t.Fatalf("scan has_updates failed: %v", err)
	}
	if updates != 0 {
		t.Error("expected ino 1's has_updates cleared")
	}
	row = st.conn.QueryRow("SELECT has_updates FROM inode WHERE vol_id = ? AND ino = 3", vol.ID)
	if err := row.Scan(&updates); err != nil {
		t.Fatalf("scan has_updates failed: %v", err)
	}
	if updates != 1 {
		t.Error("expected ino 3's has_updates untouched (out of range)")
	}
}

func TestIterCommonalitySizesAndRefinement(t *testing.T) {
	st := newTestStore(t)
	fs, _, _ := st.GetOrCreateFilesystem("uuid-a")
	vol, _, _ := st.GetOrCreateVolume(fs.ID, 5, 0)

	// Two inodes share size 100 (a Commonality1 group); one is a
	// singleton at size 200 and should never surface.
	for _, ino := range []uint64{1, 2} {
		if err := st.UpsertInode(vol.ID, ino, 100); err != nil {
			t.Fatalf("UpsertInode failed: %v", err)
		}
	}
	if err := st.UpsertInode(vol.ID, 3, 200); err != nil {
		t.Fatalf("UpsertInode failed: %v", err)
	}

	var groups []Commonality1
	for c1, err := range st.IterCommonalitySizes(context.Background(), []int64{vol.ID}) {
		if err != nil {
			t.Fatalf("IterCommonalitySizes failed: %v", err)
		}
		groups = append(groups, c1)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 commonality1 group, got %d", len(groups))
	}
	if groups[0].Size != 100 || len(groups[0].Members) != 2 {
		t.Errorf("unexpected group: %+v", groups[0])
	}

	for _, ino := range []uint64{1, 2} {
		if err := st.SetMiniHash(vol.ID, ino, "same-hash"); err != nil {
			t.Fatalf("SetMiniHash failed: %v", err)
		}
	}

	groups2, err := st.RefineCommonality2(groups[0])
	if err != nil {
		t.Fatalf("RefineCommonality2 failed: %v", err)
	}
	if len(groups2) != 1 || len(groups2[0].Members) != 2 {
		t.Fatalf("unexpected commonality2 groups: %+v", groups2)
	}

	for _, ino := range []uint64{1, 2} {
		if err := st.SetFiemapHash(vol.ID, ino, "same-fiemap"); err != nil {
			t.Fatalf("SetFiemapHash failed: %v", err)
		}
	}

	c3, err := st.RefineCommonality3(groups2[0])
	if err != nil {
		t.Fatalf("RefineCommonality3 failed: %v", err)
	}
	if c3 == nil || len(c3.Members) != 2 {
		t.Fatalf("expected a commonality3 cohort of 2, got %+v", c3)
	}
}

func TestRefineCommonality2SingletonExcluded(t *testing.T) {
	st := newTestStore(t)
	fs, _, _ := st.GetOrCreateFilesystem("uuid-a")
	vol, _, _ := st.GetOrCreateVolume(fs.ID, 5, 0)

	for _, ino := range []uint64{1, 2} {
		if err := st.UpsertInode(vol.ID, ino, 100); err != nil {
			t.Fatalf("UpsertInode failed: %v", err)
		}
	}
	st.SetMiniHash(vol.ID, 1, "hash-a")
	st.SetMiniHash(vol.ID, 2, "hash-b")

	groups2, err := st.RefineCommonality2(Commonality1{Size: 100, Members: []InodeRef{
		{VolID: vol.ID, Ino: 1}, {VolID: vol.ID, Ino: 2},
	}})
	if err != nil {
		t.Fatalf("RefineCommonality2 failed: %v", err)
	}
	if len(groups2) != 0 {
		t.Errorf("expected no surviving groups (mini_hash collision was coincidental), got %+v", groups2)
	}
}
