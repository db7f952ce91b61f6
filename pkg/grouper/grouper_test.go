package grouper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/elee1766/btrdedup/pkg/config"
	"github.com/elee1766/btrdedup/pkg/notify"
	"github.com/elee1766/btrdedup/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := &config.Config{DBPath: filepath.Join(t.TempDir(), "btrdedup.db")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(cfg, logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// memOpener resolves an InodeRef to its byte content, keyed by ino,
// standing in for DirFDOpener's real openat path resolution.
type memOpener struct {
	contents map[uint64][]byte
}

func (o *memOpener) Open(ref store.InodeRef) (*os.File, error) {
	data, ok := o.contents[ref.Ino]
	if !ok {
		return nil, fmt.Errorf("no content for ino %d", ref.Ino)
	}
	tmp, err := os.CreateTemp("", "grouper-test-*")
	if err != nil {
		return nil, err
	}
	path := tmp.Name()
	defer os.Remove(path) // unlinked once; the open fd stays valid

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, err
	}
	return tmp, nil
}

// recordingDeduper records every cohort it is handed and reports no
// skips, standing in for pkg/deduper.Deduper.
type recordingDeduper struct {
	cohorts []store.Commonality3
}

func (d *recordingDeduper) Dedup(ctx context.Context, cohort store.Commonality3, sink notify.Sink) ([]store.InodeRef, error) {
	d.cohorts = append(d.cohorts, cohort)
	return nil, nil
}

func TestNewWithWindowDefaultsNonPositive(t *testing.T) {
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g := NewWithWindow(st, &memOpener{}, &recordingDeduper{}, logger, 0)
	if g.windowSize != WindowSize {
		t.Errorf("expected default window size %d, got %d", WindowSize, g.windowSize)
	}

	g2 := NewWithWindow(st, &memOpener{}, &recordingDeduper{}, logger, 50)
	if g2.windowSize != 50 {
		t.Errorf("expected window size 50, got %d", g2.windowSize)
	}
}

func TestRunNarrowsIdenticalFilesToCohort(t *testing.T) {
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fs, _, err := st.GetOrCreateFilesystem("uuid-a")
	if err != nil {
		t.Fatalf("GetOrCreateFilesystem failed: %v", err)
	}
	vol, _, err := st.GetOrCreateVolume(fs.ID, 5, 0)
	if err != nil {
		t.Fatalf("GetOrCreateVolume failed: %v", err)
	}

	content := bytes.Repeat([]byte("x"), 100)
	otherContent := bytes.Repeat([]byte("y"), 100)

	// Inodes 1 and 2 share size and content; inode 3 shares size only
	// (its mini-hash differs), so it should never reach a Commonality3.
	for ino, size := range map[uint64]int64{1: 100, 2: 100, 3: 100} {
		if err := st.UpsertInode(vol.ID, ino, size); err != nil {
			t.Fatalf("UpsertInode failed: %v", err)
		}
	}

	opener := &memOpener{contents: map[uint64][]byte{
		1: content,
		2: content,
		3: otherContent,
	}}
	dd := &recordingDeduper{}

	g := NewWithWindow(st, opener, dd, logger, WindowSize)
	if err := g.Run(context.Background(), []int64{vol.ID}, notify.NopSink{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(dd.cohorts) != 1 {
		t.Fatalf("expected exactly 1 cohort, got %d", len(dd.cohorts))
	}
	cohort := dd.cohorts[0]
	if len(cohort.Members) != 2 {
		t.Fatalf("expected 2 members in cohort, got %d: %+v", len(cohort.Members), cohort.Members)
	}

	seen := map[uint64]bool{}
	for _, m := range cohort.Members {
		seen[m.Ino] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("expected inodes 1 and 2 in cohort, got %+v", cohort.Members)
	}
	if seen[3] {
		t.Error("inode 3 (different content) should not be in the cohort")
	}
}

func TestRunNoCommonalityWhenSizesDiffer(t *testing.T) {
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fs, _, _ := st.GetOrCreateFilesystem("uuid-a")
	vol, _, _ := st.GetOrCreateVolume(fs.ID, 5, 0)

	if err := st.UpsertInode(vol.ID, 1, 100); err != nil {
		t.Fatalf("UpsertInode failed: %v", err)
	}
	if err := st.UpsertInode(vol.ID, 2, 200); err != nil {
		t.Fatalf("UpsertInode failed: %v", err)
	}

	opener := &memOpener{contents: map[uint64][]byte{
		1: bytes.Repeat([]byte("x"), 100),
		2: bytes.Repeat([]byte("x"), 200),
	}}
	dd := &recordingDeduper{}

	g := NewWithWindow(st, opener, dd, logger, WindowSize)
	if err := g.Run(context.Background(), []int64{vol.ID}, notify.NopSink{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(dd.cohorts) != 0 {
		t.Errorf("expected no cohorts for inodes of differing size, got %d", len(dd.cohorts))
	}
}
