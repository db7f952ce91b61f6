// Package kernel wraps the btrfs ioctl surface used by the dedup
// pipeline: B-tree search, inode path resolution, extent-map reads,
// same-extent clone, defragmentation, and the generic immutability
// attribute. Every wire structure here mirrors the kernel's public ABI
// bit-for-bit; callers never see raw buffers.
package kernel

import (
	"log/slog"

	"go.uber.org/fx"
)

// Module provides an *Adapter for fx-based wiring.
var Module = fx.Module("kernel",
	fx.Provide(New),
)

// Adapter binds logging context to the ioctl helpers in this package.
// The ioctl functions themselves are free functions operating on raw
// file descriptors, since they carry no state of their own; Adapter
// exists so callers obtain a logger-scoped handle.
type Adapter struct {
	logger *slog.Logger
}

// New creates a kernel Adapter.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger.With("component", "kernel")}
}
