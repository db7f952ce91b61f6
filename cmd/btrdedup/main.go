// Command btrdedup scans btrfs volumes for duplicate file content and
// collapses matching extents via the kernel's same-extent clone
// ioctl. The command surface is deliberately thin: it wires the
// scan/group/dedup pipeline together and renders results.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/elee1766/btrdedup/pkg/config"
	"github.com/elee1766/btrdedup/pkg/deduper"
	"github.com/elee1766/btrdedup/pkg/grouper"
	"github.com/elee1766/btrdedup/pkg/hostenum"
	"github.com/elee1766/btrdedup/pkg/kernel"
	"github.com/elee1766/btrdedup/pkg/notify"
	"github.com/elee1766/btrdedup/pkg/scanner"
	"github.com/elee1766/btrdedup/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
)

// CLI is the root command structure.
type CLI struct {
	LogLevel string `short:"l" default:"info" env:"BTRDEDUP_LOG_LEVEL" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`

	Scan   ScanCmd   `cmd:"" help:"Track inode changes for one or more volumes"`
	Dedup  DedupCmd  `cmd:"" help:"Scan then deduplicate identical files across volumes"`
	Forget ForgetCmd `cmd:"" help:"Forget all tracked inodes for a volume"`
	Show   ShowCmd   `cmd:"" help:"List tracked filesystems, volumes, and recent dedup events"`
}

// ScanCmd tracks inode changes without deduplicating.
type ScanCmd struct {
	Paths []string `arg:"" help:"Subvolume paths to scan"`
}

func (c *ScanCmd) Run(cli *CLI) error {
	cfg := config.New()
	cfg.LogLevel = cli.LogLevel
	logger := makeLogger(cfg.LogLevel)

	st, err := store.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sink := notify.NewSlogSink(logger)
	sc := scanner.New(st, logger)

	_, volIDs, volFDs, _, err := openVolumes(st, c.Paths, cfg)
	if err != nil {
		return err
	}
	defer closeVolFDs(volFDs)

	for _, volID := range volIDs {
		volRow, err := volumeRowByID(st, volID)
		if err != nil {
			return err
		}
		if err := sc.Scan(scanner.Volume{FD: volFDs[volID], Row: volRow}, sink); err != nil {
			return fmt.Errorf("scan volume %d: %w", volID, err)
		}
	}
	return nil
}

// DedupCmd runs the full scan + group + dedup pipeline.
type DedupCmd struct {
	Paths []string `arg:"" help:"Subvolume paths to deduplicate"`
}

func (c *DedupCmd) Run(cli *CLI) error {
	cfg := config.New()
	cfg.LogLevel = cli.LogLevel
	logger := makeLogger(cfg.LogLevel)

	st, err := store.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sink := notify.NewSlogSink(logger)
	sc := scanner.New(st, logger)

	_, volIDs, volFDs, volInfo, err := openVolumes(st, c.Paths, cfg)
	if err != nil {
		return err
	}
	defer closeVolFDs(volFDs)

	for _, volID := range volIDs {
		volRow, err := volumeRowByID(st, volID)
		if err != nil {
			return err
		}
		if err := sc.Scan(scanner.Volume{FD: volFDs[volID], Row: volRow}, sink); err != nil {
			return fmt.Errorf("scan volume %d: %w", volID, err)
		}
	}

	if err := st.SetBulkMode(cfg.BulkMode); err != nil {
		return fmt.Errorf("set bulk mode: %w", err)
	}
	defer st.SetBulkMode(false)

	opener := grouper.NewDirFDOpener(volFDs)
	dd := deduper.New(st, volInfo, logger)
	gr := grouper.NewWithWindow(st, opener, dd, logger, cfg.WindowSize)

	if err := gr.Run(context.Background(), volIDs, sink); err != nil {
		return fmt.Errorf("dedup run: %w", err)
	}

	return nil
}

// ForgetCmd deletes all tracked inodes for one volume and resets its
// scan watermark, mirroring bedup's forget_vol.
type ForgetCmd struct {
	Path string `arg:"" help:"Subvolume path to forget"`
}

func (c *ForgetCmd) Run(cli *CLI) error {
	cfg := config.New()
	cfg.LogLevel = cli.LogLevel
	logger := makeLogger(cfg.LogLevel)

	st, err := store.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	_, volIDs, volFDs, _, err := openVolumes(st, []string{c.Path}, cfg)
	if err != nil {
		return err
	}
	defer closeVolFDs(volFDs)

	for _, volID := range volIDs {
		if err := st.ForgetVolume(volID); err != nil {
			return fmt.Errorf("forget volume %d: %w", volID, err)
		}
	}
	return nil
}

// ShowCmd renders a table of tracked filesystems/volumes and recent
// dedup events, adapted from bedup's show_vols/show_fs.
type ShowCmd struct{}

func (c *ShowCmd) Run(cli *CLI) error {
	cfg := config.New()
	cfg.LogLevel = cli.LogLevel
	logger := makeLogger(cfg.LogLevel)

	st, err := store.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	filesystems, err := st.ListFilesystems()
	if err != nil {
		return fmt.Errorf("list filesystems: %w", err)
	}

	enum := hostenum.NewOSEnumerator()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Filesystem", "Volume", "Size Cutoff", "Last Generation", "Mountpoint"})

	for _, fs := range filesystems {
		if devices, devErr := enum.DevicesForUUID(fs.UUID); devErr == nil && len(devices) > 0 {
			logger.Debug("resolved filesystem devices", "uuid", fs.UUID, "devices", devices)
		}
		volumes, err := st.ListVolumes(fs.ID)
		if err != nil {
			return fmt.Errorf("list volumes for fs %d: %w", fs.ID, err)
		}
		for _, vol := range volumes {
			t.AppendRow(table.Row{
				fs.UUID, vol.RootID, humanize.IBytes(uint64(vol.SizeCutoff)),
				vol.LastTrackedGeneration, vol.LastKnownMountpoint,
			})
		}
	}
	t.Render()

	fmt.Println()

	events := table.NewWriter()
	events.SetOutputMirror(os.Stdout)
	events.SetStyle(table.StyleRounded)
	events.SetTitle("Recent Dedup Events")
	events.AppendHeader(table.Row{"Filesystem", "Item Size", "Participants", "When"})
	for _, fs := range filesystems {
		evs, err := st.ListEvents(fs.ID, 20)
		if err != nil {
			return fmt.Errorf("list events for fs %d: %w", fs.ID, err)
		}
		for _, ev := range evs {
			events.AppendRow(table.Row{
				fs.UUID, humanize.IBytes(uint64(ev.ItemSize)), ev.Participants,
				time.Unix(ev.CreatedAt, 0).Format("2006-01-02 15:04:05"),
			})
		}
	}
	events.Render()

	return nil
}

// openVolumes opens each path's directory fd, resolves the owning
// filesystem UUID and root id via the kernel adapter, and
// get-or-creates the corresponding store rows. All paths must belong
// to the same filesystem, matching dedup_tracked's assertion that
// every volume in a run shares one fs.
func openVolumes(st *store.Store, paths []string, cfg *config.Config) (fsID int64, volIDs []int64, volFDs map[int64]*os.File, volInfo map[int64]deduper.VolumeInfo, err error) {
	volFDs = map[int64]*os.File{}
	volInfo = map[int64]deduper.VolumeInfo{}

	for _, p := range paths {
		clean := filepath.Clean(p)
		fd, openErr := os.Open(clean)
		if openErr != nil {
			return 0, nil, volFDs, volInfo, fmt.Errorf("open %q: %w", clean, openErr)
		}

		uuid, fsidErr := kernel.FSID(fd)
		if fsidErr != nil {
			fd.Close()
			return 0, nil, volFDs, volInfo, fmt.Errorf("fsid %q: %w", clean, fsidErr)
		}

		if dev, devErr := kernel.PrimaryDevice(clean); devErr == nil {
			slog.Debug("resolved primary device", "path", clean, "device", dev.Path)
		}

		fsRow, _, fsErr := st.GetOrCreateFilesystem(uuid.String())
		if fsErr != nil {
			fd.Close()
			return 0, nil, volFDs, volInfo, fmt.Errorf("get-or-create filesystem: %w", fsErr)
		}
		if fsID != 0 && fsID != fsRow.ID {
			fd.Close()
			return 0, nil, volFDs, volInfo, fmt.Errorf("%q belongs to a different filesystem than the rest of this run", clean)
		}
		fsID = fsRow.ID

		rootID, rootErr := kernel.RootID(fd)
		if rootErr != nil {
			fd.Close()
			return 0, nil, volFDs, volInfo, fmt.Errorf("root id %q: %w", clean, rootErr)
		}
		volRow, _, volErr := st.GetOrCreateVolume(fsRow.ID, rootID, cfg.DefaultSizeCutoff)
		if volErr != nil {
			fd.Close()
			return 0, nil, volFDs, volInfo, fmt.Errorf("get-or-create volume: %w", volErr)
		}
		if updErr := st.UpdateMountpoint(volRow.ID, clean); updErr != nil {
			fd.Close()
			return 0, nil, volFDs, volInfo, fmt.Errorf("update mountpoint: %w", updErr)
		}

		var stat syscall.Stat_t
		if statErr := syscall.Fstat(int(fd.Fd()), &stat); statErr != nil {
			fd.Close()
			return 0, nil, volFDs, volInfo, fmt.Errorf("fstat %q: %w", clean, statErr)
		}

		volIDs = append(volIDs, volRow.ID)
		volFDs[volRow.ID] = fd
		volInfo[volRow.ID] = deduper.VolumeInfo{FD: fd, StDev: uint64(stat.Dev), SizeCutoff: volRow.SizeCutoff}
	}
	return fsID, volIDs, volFDs, volInfo, nil
}

func closeVolFDs(volFDs map[int64]*os.File) {
	for _, fd := range volFDs {
		fd.Close()
	}
}

func volumeRowByID(st *store.Store, volID int64) (*store.VolumeRow, error) {
	fsID, err := st.FilesystemIDForVolume(volID)
	if err != nil {
		return nil, err
	}
	volumes, err := st.ListVolumes(fsID)
	if err != nil {
		return nil, err
	}
	for _, v := range volumes {
		if v.ID == volID {
			return v, nil
		}
	}
	return nil, fmt.Errorf("volume %d not found", volID)
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("btrdedup"),
		kong.Description("btrfs extent deduplication"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
