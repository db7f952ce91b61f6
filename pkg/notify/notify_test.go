package notify

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSlogSinkNotifyLevels(t *testing.T) {
	tests := []struct {
		level    Level
		wantWord string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		sink := NewSlogSink(logger)

		sink.Notify(tt.level, "test message", "key", "value")

		out := buf.String()
		if !strings.Contains(out, tt.wantWord) {
			t.Errorf("Notify(%v): expected level %q in output, got %q", tt.level, tt.wantWord, out)
		}
		if !strings.Contains(out, "test message") {
			t.Errorf("Notify(%v): expected message in output, got %q", tt.level, out)
		}
		if !strings.Contains(out, "component=pipeline") {
			t.Errorf("Notify(%v): expected component=pipeline in output, got %q", tt.level, out)
		}
	}
}

func TestSlogSinkProgress(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewSlogSink(logger)

	sink.Progress("scanning", 3, 10)

	out := buf.String()
	if !strings.Contains(out, "stage=scanning") {
		t.Errorf("expected stage=scanning in output, got %q", out)
	}
	if !strings.Contains(out, "current=3") || !strings.Contains(out, "total=10") {
		t.Errorf("expected current/total in output, got %q", out)
	}
}

func TestNopSinkDiscardsEverything(t *testing.T) {
	var sink NopSink
	sink.Notify(LevelError, "should be discarded")
	sink.Progress("noop", 1, 1)
}
