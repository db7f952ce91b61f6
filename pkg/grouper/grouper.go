// Package grouper implements the windowed narrowing pipeline:
// equal-size cohorts refined first by a cheap prefix mini-hash, then
// by a fiemap-hash over each file's extent map, until at most one
// Commonality3 cohort survives per Commonality2 group and is handed
// to the Deduper. Grounded on bedup's dedup_tracked generator and its
// windowed_query helper.
package grouper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"

	"github.com/elee1766/btrdedup/pkg/kernel"
	"github.com/elee1766/btrdedup/pkg/notify"
	"github.com/elee1766/btrdedup/pkg/store"
	"golang.org/x/sys/unix"
)

// WindowSize is the number of Commonality1 rows processed per window
// before has_updates flags are cleared, matching pkg/config.DefaultWindowSize.
const WindowSize = 200

// miniHashPrefix is the number of leading bytes hashed for mini_hash.
const miniHashPrefix = 8 * 1024

// Opener resolves an inode reference to an open, read-only file,
// scoped to one grouping pass. Implementations own path resolution
// via the kernel adapter.
type Opener interface {
	Open(ref store.InodeRef) (*os.File, error)
}

// Deduper is the narrow interface the Grouper needs from pkg/deduper,
// kept here so pkg/grouper does not import pkg/deduper: both packages
// share the Commonality3 and InodeRef types from pkg/store, and
// pkg/deduper.Deduper satisfies this interface structurally.
type Deduper interface {
	Dedup(ctx context.Context, cohort store.Commonality3, sink notify.Sink) (skipped []store.InodeRef, err error)
}

// DirFDOpener resolves inodes to open files by looking up a path
// within each volume's open directory fd and opening it relative to
// that fd, so a racing rename elsewhere on the filesystem cannot
// redirect the open. Grounded on bedup's open_by_ino, which performs
// the same ino_lookup-then-openat sequence via cffi.
type DirFDOpener struct {
	volFDs map[int64]*os.File
}

func NewDirFDOpener(volFDs map[int64]*os.File) *DirFDOpener {
	return &DirFDOpener{volFDs: volFDs}
}

func (o *DirFDOpener) Open(ref store.InodeRef) (*os.File, error) {
	fd, ok := o.volFDs[ref.VolID]
	if !ok {
		return nil, fmt.Errorf("no open fd for volume %d", ref.VolID)
	}

	path, err := kernel.LookupInoPathOne(fd, ref.Ino)
	if err != nil {
		return nil, fmt.Errorf("lookup ino path: %w", err)
	}

	rawFD, err := unix.Openat(int(fd.Fd()), path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("openat %q: %w", path, err)
	}
	return os.NewFile(uintptr(rawFD), path), nil
}

// Grouper drives the windowed traversal and successive narrowing.
type Grouper struct {
	store      *store.Store
	opener     Opener
	deduper    Deduper
	logger     *slog.Logger
	windowSize int
}

// New builds a Grouper with the default WindowSize; use NewWithWindow
// to override it (e.g. from pkg/config.Config.WindowSize).
func New(st *store.Store, opener Opener, deduper Deduper, logger *slog.Logger) *Grouper {
	return NewWithWindow(st, opener, deduper, logger, WindowSize)
}

func NewWithWindow(st *store.Store, opener Opener, deduper Deduper, logger *slog.Logger, windowSize int) *Grouper {
	if windowSize <= 0 {
		windowSize = WindowSize
	}
	return &Grouper{store: st, opener: opener, deduper: deduper, logger: logger.With("component", "grouper"), windowSize: windowSize}
}

// Run processes every Commonality1 group across volIDs in windows of
// windowSize rows, narrowing each to mini-hash then fiemap-hash
// cohorts and handing any surviving Commonality3 to the Deduper.
func (g *Grouper) Run(ctx context.Context, volIDs []int64, sink notify.Sink) error {
	maxSize, err := g.store.MaxInodeSize(volIDs)
	if err != nil {
		return fmt.Errorf("max inode size: %w", err)
	}

	sizeHigh := maxSize
	windowCount := 0
	var windowSkipped []store.InodeRef
	var lowestSeen int64 = maxSize + 1

	flushWindow := func(sizeLow int64) error {
		if sizeHigh < sizeLow {
			return nil
		}
		if err := g.store.ClearUpdates(volIDs, sizeLow, sizeHigh); err != nil {
			return fmt.Errorf("clear updates [%d,%d]: %w", sizeLow, sizeHigh, err)
		}
		for _, ref := range windowSkipped {
			if err := g.store.SetHasUpdates(ref, true); err != nil {
				return fmt.Errorf("restore has_updates for %+v: %w", ref, err)
			}
		}
		sizeHigh = sizeLow - 1
		lowestSeen = sizeHigh + 1
		windowSkipped = windowSkipped[:0]
		windowCount = 0
		return nil
	}

	for c1, err := range g.store.IterCommonalitySizes(ctx, volIDs) {
		if err != nil {
			return fmt.Errorf("iter commonality sizes: %w", err)
		}

		if c1.Size < lowestSeen {
			lowestSeen = c1.Size
		}

		skipped, err := g.processCommonality1(ctx, c1, sink)
		if err != nil {
			return fmt.Errorf("process size %d: %w", c1.Size, err)
		}
		windowSkipped = append(windowSkipped, skipped...)

		windowCount++
		if windowCount >= g.windowSize {
			if err := flushWindow(lowestSeen); err != nil {
				return err
			}
		}
	}

	// The final flush clears all the way down to 0, not just to the
	// lowest Commonality1 group seen, so singleton-size inodes that
	// never joined a duplicate-size group also have has_updates
	// cleared for this pass.
	return flushWindow(0)
}

// processCommonality1 computes mini_hash for any member lacking it,
// refines into Commonality2 groups, computes fiemap_hash for members
// lacking it, refines into the (at most one) Commonality3, and hands
// it to the Deduper.
func (g *Grouper) processCommonality1(ctx context.Context, c1 store.Commonality1, sink notify.Sink) ([]store.InodeRef, error) {
	var skipped []store.InodeRef

	for _, ref := range c1.Members {
		if _, ok, err := g.store.GetMiniHash(ref); err != nil {
			return skipped, fmt.Errorf("get mini_hash for %+v: %w", ref, err)
		} else if ok {
			continue
		}
		hash, err := g.computeMiniHash(ref)
		if err != nil {
			sink.Notify(notify.LevelWarn, "mini_hash computation failed, skipping inode", "vol_id", ref.VolID, "ino", ref.Ino, "error", err)
			skipped = append(skipped, ref)
			continue
		}
		if err := g.store.SetMiniHash(ref.VolID, ref.Ino, hash); err != nil {
			return skipped, fmt.Errorf("set mini_hash for %+v: %w", ref, err)
		}
	}

	groups2, err := g.store.RefineCommonality2(c1)
	if err != nil {
		return skipped, fmt.Errorf("refine commonality2: %w", err)
	}

	for _, c2 := range groups2 {
		for _, ref := range c2.Members {
			if _, ok, err := g.store.GetFiemapHash(ref); err != nil {
				return skipped, fmt.Errorf("get fiemap_hash for %+v: %w", ref, err)
			} else if ok {
				continue
			}
			hash, err := g.computeFiemapHash(ref)
			if err != nil {
				sink.Notify(notify.LevelWarn, "fiemap_hash computation failed, skipping inode", "vol_id", ref.VolID, "ino", ref.Ino, "error", err)
				skipped = append(skipped, ref)
				continue
			}
			if err := g.store.SetFiemapHash(ref.VolID, ref.Ino, hash); err != nil {
				return skipped, fmt.Errorf("set fiemap_hash for %+v: %w", ref, err)
			}
		}

		c3, err := g.store.RefineCommonality3(c2)
		if err != nil {
			return skipped, fmt.Errorf("refine commonality3: %w", err)
		}
		if c3 == nil {
			continue
		}

		cohortSkipped, err := g.deduper.Dedup(ctx, *c3, sink)
		if err != nil {
			return skipped, fmt.Errorf("dedup cohort size=%d: %w", c3.Size, err)
		}
		skipped = append(skipped, cohortSkipped...)
	}

	return skipped, nil
}

func (g *Grouper) computeMiniHash(ref store.InodeRef) (string, error) {
	f, err := g.opener.Open(ref)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := fnv.New64a()
	if _, err := io.CopyN(h, f, miniHashPrefix); err != nil && err != io.EOF {
		return "", fmt.Errorf("read prefix: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (g *Grouper) computeFiemapHash(ref store.InodeRef) (string, error) {
	f, err := g.opener.Open(ref)
	if err != nil {
		return "", err
	}
	defer f.Close()

	extents, err := kernel.FileExtents(f)
	if err != nil {
		return "", fmt.Errorf("fiemap: %w", err)
	}

	h := sha256.Sum256(kernel.ExtentHashInput(extents))
	return hex.EncodeToString(h[:]), nil
}
