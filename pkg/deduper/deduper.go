// Package deduper implements the final stage of the dedup pipeline:
// opening a Commonality3 cohort under an open-file budget, verifying
// byte-for-byte equality under an immutability lock, and issuing the
// extent-clone ioctl. Directly grounded on
// bedup's dedup_tracked1.
package deduper

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/elee1766/btrdedup/pkg/kernel"
	"github.com/elee1766/btrdedup/pkg/notify"
	"github.com/elee1766/btrdedup/pkg/store"
	"golang.org/x/sys/unix"
)

// bufSize matches bedup's BUFSIZE chunked read loop.
const bufSize = 8192

// ofileBaseReserve is bedup's fixed reserve for stdio and the sqlite
// WAL connection; pkg/deduper adds len(volumes) on top.
const ofileBaseReserve = 7

// VolumeInfo carries what the Deduper needs to open and verify one
// volume's inodes: the open directory fd (for openat-relative opens),
// the device id recorded at scan time (used to detect a racing
// inode-reuse across devices), and the volume's current size cutoff
// (used to decide whether a since-shrunk file's tracking row should
// be deleted outright).
type VolumeInfo struct {
	FD         *os.File
	StDev      uint64
	SizeCutoff int64
}

// Deduper consumes Commonality3 cohorts from the Grouper and performs
// the full-hash-verify-then-clone sequence.
type Deduper struct {
	store   *store.Store
	volumes map[int64]VolumeInfo
	logger  *slog.Logger
}

func New(st *store.Store, volumes map[int64]VolumeInfo, logger *slog.Logger) *Deduper {
	return &Deduper{store: st, volumes: volumes, logger: logger.With("component", "deduper")}
}

type openFile struct {
	f    *os.File
	ref  store.InodeRef
	path string
}

// Dedup processes one cohort, returning the inodes it could not
// dedup this pass (has_updates should remain true for them).
func (d *Deduper) Dedup(ctx context.Context, cohort store.Commonality3, sink notify.Sink) ([]store.InodeRef, error) {
	var skipped []store.InodeRef

	required := 2*len(cohort.Members) + ofileBaseReserve + len(d.volumes)
	if err := d.ensureOfileBudget(required); err != nil {
		sink.Notify(notify.LevelWarn, "open-file budget exceeded, skipping cohort",
			"cohort_size", cohort.Size, "members", len(cohort.Members), "required", required, "error", err)
		return cohort.Members, nil
	}

	var opened []openFile
	defer func() {
		for _, of := range opened {
			of.f.Close()
		}
	}()

	for _, ref := range cohort.Members {
		vol, ok := d.volumes[ref.VolID]
		if !ok {
			skipped = append(skipped, ref)
			continue
		}

		path, err := kernel.LookupInoPathOne(vol.FD, ref.Ino)
		if err != nil {
			if errors.Is(err, syscall.ENOENT) {
				if delErr := d.store.DeleteInode(ref.VolID, ref.Ino); delErr != nil {
					return skipped, fmt.Errorf("delete stale inode %+v: %w", ref, delErr)
				}
				continue
			}
			return skipped, fmt.Errorf("lookup ino path %+v: %w", ref, err)
		}

		rawFD, err := unix.Openat(int(vol.FD.Fd()), path, unix.O_RDWR, 0)
		if err != nil {
			switch {
			case errors.Is(err, unix.ETXTBSY):
				sink.Notify(notify.LevelInfo, "file busy, skipping", "path", path)
				skipped = append(skipped, ref)
			case errors.Is(err, unix.EACCES):
				sink.Notify(notify.LevelInfo, "access denied, skipping", "path", path)
				skipped = append(skipped, ref)
			case errors.Is(err, unix.ENOENT):
				sink.Notify(notify.LevelInfo, "file moved or unlinked, skipping", "path", path)
				skipped = append(skipped, ref)
			default:
				return skipped, fmt.Errorf("open %q: %w", path, err)
			}
			continue
		}
		opened = append(opened, openFile{f: os.NewFile(uintptr(rawFD), path), ref: ref, path: path})
	}

	if len(opened) < 2 {
		for _, of := range opened {
			skipped = append(skipped, of.ref)
		}
		return skipped, nil
	}

	fds := make([]int, len(opened))
	for i, of := range opened {
		fds[i] = int(of.f.Fd())
	}
	guard, err := kernel.NewImmutableFDs(toFiles(opened))
	if err != nil {
		return append(skipped, refsOf(opened)...), fmt.Errorf("acquire immutability lock: %w", err)
	}
	defer guard.Release()

	writeUse := make(map[int]bool, len(opened))
	for _, of := range opened {
		inUse, err := kernel.FDInWriteUse(of.f)
		if err != nil {
			sink.Notify(notify.LevelWarn, "write-lease probe failed", "path", of.path, "error", err)
			continue
		}
		if inUse {
			writeUse[int(of.f.Fd())] = true
		}
	}

	byHash := map[string][]openFile{}
	for _, of := range opened {
		if writeUse[int(of.f.Fd())] {
			sink.Notify(notify.LevelInfo, "file in use, skipping", "path", of.path)
			skipped = append(skipped, of.ref)
			continue
		}

		digest, size, err := hashFile(of.f)
		if err != nil {
			return skipped, fmt.Errorf("hash %q: %w", of.path, err)
		}

		vol := d.volumes[of.ref.VolID]
		var st syscall.Stat_t
		if err := syscall.Fstat(int(of.f.Fd()), &st); err != nil {
			return skipped, fmt.Errorf("fstat %q: %w", of.path, err)
		}
		if st.Ino != of.ref.Ino || uint64(st.Dev) != vol.StDev {
			skipped = append(skipped, of.ref)
			continue
		}

		// A size mismatch means the file grew or shrank since
		// discovery. If it shrank below the volume's size cutoff it no
		// longer qualifies for tracking at all, so the row is deleted
		// outright rather than left to be skipped every future pass.
		if size != cohort.Size {
			if size < vol.SizeCutoff {
				if delErr := d.store.DeleteInode(of.ref.VolID, of.ref.Ino); delErr != nil {
					return skipped, fmt.Errorf("delete undersized inode %+v: %w", of.ref, delErr)
				}
			} else {
				skipped = append(skipped, of.ref)
			}
			continue
		}

		byHash[digest] = append(byHash[digest], of)
	}

	for _, bucket := range byHash {
		if len(bucket) < 2 {
			continue
		}
		if err := d.cloneBucket(bucket, cohort, sink); err != nil {
			return skipped, err
		}
	}

	return skipped, nil
}

// cloneBucket picks bucket[0] as the clone source, verifies every
// other member is bytewise identical (a crypto-hash collision without
// byte equality is a fatal invariant violation, never expected), and
// clones successful destinations, recording one DedupEvent for the
// whole bucket.
func (d *Deduper) cloneBucket(bucket []openFile, cohort store.Commonality3, sink notify.Sink) error {
	src := bucket[0]
	if _, err := src.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek src %q: %w", src.path, err)
	}

	var successful []openFile
	for _, dst := range bucket[1:] {
		if _, err := src.f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek src %q: %w", src.path, err)
		}
		if _, err := dst.f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek dst %q: %w", dst.path, err)
		}

		equal, err := filesEqual(src.f, dst.f)
		if err != nil {
			return fmt.Errorf("compare %q %q: %w", src.path, dst.path, err)
		}
		if !equal {
			panic(fmt.Sprintf("invariant violation: crypto hash matched but contents differ: %q %q", src.path, dst.path))
		}

		result, err := kernel.CloneData(src.f, dst.f, 0, uint64(cohort.Size), true)
		if err != nil {
			return fmt.Errorf("clone_data %q -> %q: %w", src.path, dst.path, err)
		}
		if result.AlreadyShared {
			sink.Notify(notify.LevelDebug, "already deduplicated (same extents)", "src", src.path, "dst", dst.path)
			continue
		}
		sink.Notify(notify.LevelInfo, "deduplicated", "src", src.path, "dst", dst.path, "bytes", result.BytesDeduped)
		successful = append(successful, dst)
	}

	if len(successful) == 0 {
		return nil
	}

	participants := []store.InodeRef{src.ref}
	for _, s := range successful {
		participants = append(participants, s.ref)
	}

	fsID, err := d.fsIDFor(src.ref.VolID)
	if err != nil {
		return fmt.Errorf("resolve filesystem for event: %w", err)
	}

	if err := d.store.RecordEvent(fsID, cohort.Size, participants); err != nil {
		return fmt.Errorf("record dedup event: %w", err)
	}
	return nil
}

// fsIDFor resolves a volume to its owning filesystem row id, needed
// only to record the event; every volume in one dedup run shares a
// filesystem, so this re-derives it from the store rather than
// threading an fs_id through the whole call chain.
func (d *Deduper) fsIDFor(volID int64) (int64, error) {
	return d.store.FilesystemIDForVolume(volID)
}

func (d *Deduper) ensureOfileBudget(required int) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}
	if uint64(required) <= rlim.Cur {
		return nil
	}
	if uint64(required) > rlim.Max {
		return fmt.Errorf("required %d open files exceeds hard limit %d", required, rlim.Max)
	}
	rlim.Cur = uint64(required)
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}
	return nil
}

func hashFile(f *os.File) (string, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	h := sha1.New()
	n, err := io.CopyBuffer(h, f, make([]byte, bufSize))
	if err != nil {
		return "", 0, err
	}
	return string(h.Sum(nil)), n, nil
}

func filesEqual(a, b *os.File) (bool, error) {
	bufA := make([]byte, bufSize)
	bufB := make([]byte, bufSize)
	for {
		nA, errA := io.ReadFull(a, bufA)
		nB, errB := io.ReadFull(b, bufB)
		if nA != nB || !bytes.Equal(bufA[:nA], bufB[:nB]) {
			return false, nil
		}
		if errA == io.EOF && errB == io.EOF {
			return true, nil
		}
		if errA != nil && errA != io.ErrUnexpectedEOF && errA != io.EOF {
			return false, errA
		}
		if errB != nil && errB != io.ErrUnexpectedEOF && errB != io.EOF {
			return false, errB
		}
		if (errA == io.EOF || errA == io.ErrUnexpectedEOF) != (errB == io.EOF || errB == io.ErrUnexpectedEOF) {
			return false, nil
		}
		if errA == io.ErrUnexpectedEOF || errA == io.EOF {
			return true, nil
		}
	}
}

func toFiles(opened []openFile) []*os.File {
	out := make([]*os.File, len(opened))
	for i, of := range opened {
		out[i] = of.f
	}
	return out
}

func refsOf(opened []openFile) []store.InodeRef {
	out := make([]store.InodeRef, len(opened))
	for i, of := range opened {
		out[i] = of.ref
	}
	return out
}
