// Package notify carries progress and diagnostic events out of the
// scan/group/dedup pipeline to an injected sink, kept side-effect
// only: the core never reads from it.
package notify

import "log/slog"

// Level mirrors the handful of severities the pipeline actually emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Sink receives notifications and progress updates. A CLI renders
// these as spinners/tables; tests can substitute a recording sink.
type Sink interface {
	Notify(level Level, msg string, fields ...any)
	Progress(stage string, current, total int)
}

// SlogSink routes notifications through log/slog, the same structured
// logging pipeline every other package in this repo uses.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger for use as a pipeline Sink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "pipeline")}
}

func (s *SlogSink) Notify(level Level, msg string, fields ...any) {
	switch level {
	case LevelDebug:
		s.logger.Debug(msg, fields...)
	case LevelWarn:
		s.logger.Warn(msg, fields...)
	case LevelError:
		s.logger.Error(msg, fields...)
	default:
		s.logger.Info(msg, fields...)
	}
}

func (s *SlogSink) Progress(stage string, current, total int) {
	s.logger.Debug("progress", "stage", stage, "current", current, "total", total)
}

// NopSink discards everything. Useful in tests that only want to
// exercise the pipeline's store effects.
type NopSink struct{}

func (NopSink) Notify(Level, string, ...any) {}
func (NopSink) Progress(string, int, int)    {}
