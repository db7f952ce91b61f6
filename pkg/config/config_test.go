package config

import (
	"os"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	for _, key := range []string{
		"BTRDEDUP_DB_PATH", "BTRDEDUP_LOG_LEVEL", "BTRDEDUP_SIZE_CUTOFF",
		"BTRDEDUP_WINDOW_SIZE", "BTRDEDUP_BULK_MODE",
	} {
		orig, had := os.LookupEnv(key)
		os.Unsetenv(key)
		if had {
			t.Cleanup(func() { os.Setenv(key, orig) })
		}
	}

	cfg := New()
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.DefaultSizeCutoff != DefaultSizeCutoff {
		t.Errorf("expected default size cutoff %d, got %d", DefaultSizeCutoff, cfg.DefaultSizeCutoff)
	}
	if cfg.WindowSize != DefaultWindowSize {
		t.Errorf("expected default window size %d, got %d", DefaultWindowSize, cfg.WindowSize)
	}
	if !cfg.BulkMode {
		t.Error("expected bulk mode to default true")
	}
}

func TestNewRespectsEnvOverrides(t *testing.T) {
	t.Setenv("BTRDEDUP_LOG_LEVEL", "debug")
	t.Setenv("BTRDEDUP_SIZE_CUTOFF", "4096")
	t.Setenv("BTRDEDUP_WINDOW_SIZE", "10")
	t.Setenv("BTRDEDUP_BULK_MODE", "false")

	cfg := New()
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.LogLevel)
	}
	if cfg.DefaultSizeCutoff != 4096 {
		t.Errorf("expected size cutoff 4096, got %d", cfg.DefaultSizeCutoff)
	}
	if cfg.WindowSize != 10 {
		t.Errorf("expected window size 10, got %d", cfg.WindowSize)
	}
	if cfg.BulkMode {
		t.Error("expected bulk mode false")
	}
}

func TestEnvOrDefaultInt64InvalidFallsBack(t *testing.T) {
	t.Setenv("BTRDEDUP_SIZE_CUTOFF", "not-a-number")

	cfg := New()
	if cfg.DefaultSizeCutoff != DefaultSizeCutoff {
		t.Errorf("expected fallback to default on invalid value, got %d", cfg.DefaultSizeCutoff)
	}
}

func TestSubPath(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/btrdedup-data"}
	got := cfg.SubPath("sessions", "a.db")
	want := "/tmp/btrdedup-data/sessions/a.db"
	if got != want {
		t.Errorf("SubPath() = %q, want %q", got, want)
	}
}
