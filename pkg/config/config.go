package config

import (
	"os"
	"path/filepath"
	"strconv"
)

const (
	// AppName is the application name used in paths.
	AppName = "btrdedup"

	// DefaultSizeCutoff is the default per-volume minimum file size
	// eligible for tracking and dedup, in bytes.
	DefaultSizeCutoff = 8 * 1024 * 1024

	// DefaultWindowSize is the number of Commonality1 size-groups
	// processed per grouper window before update flags are cleared.
	DefaultWindowSize = 200
)

// Config holds all application configuration.
type Config struct {
	// Paths
	DataDir   string // Base data directory (XDG_DATA_HOME/btrdedup)
	ConfigDir string // Config directory (XDG_CONFIG_HOME/btrdedup)
	CacheDir  string // Cache directory (XDG_CACHE_HOME/btrdedup)

	// Derived paths
	DBPath string // SQLite tracking-store database path

	// Logging
	LogLevel string

	// Dedup tuning
	DefaultSizeCutoff int64 // default Volume.size_cutoff for newly seen volumes
	WindowSize        int   // grouper window size, in Commonality1 rows
	BulkMode          bool  // relax fsync between commits during the dedup loop
}

// New creates a new Config with values from environment or defaults.
func New() *Config {
	cfg := &Config{}

	// Base directories (XDG Base Directory Specification)
	cfg.DataDir = getDataDir()
	cfg.ConfigDir = getConfigDir()
	cfg.CacheDir = getCacheDir()

	// Ensure directories exist
	os.MkdirAll(cfg.DataDir, 0755)
	os.MkdirAll(cfg.ConfigDir, 0755)
	os.MkdirAll(cfg.CacheDir, 0755)

	// Derived paths
	cfg.DBPath = envOrDefault("BTRDEDUP_DB_PATH", filepath.Join(cfg.DataDir, "btrdedup.db"))

	// Logging
	cfg.LogLevel = envOrDefault("BTRDEDUP_LOG_LEVEL", "info")

	// Dedup tuning
	cfg.DefaultSizeCutoff = envOrDefaultInt64("BTRDEDUP_SIZE_CUTOFF", DefaultSizeCutoff)
	cfg.WindowSize = int(envOrDefaultInt64("BTRDEDUP_WINDOW_SIZE", DefaultWindowSize))
	cfg.BulkMode = envOrDefaultBool("BTRDEDUP_BULK_MODE", true)

	return cfg
}

// getDataDir returns the data directory following XDG spec.
// $XDG_DATA_HOME/btrdedup or ~/.local/share/btrdedup
func getDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// getConfigDir returns the config directory following XDG spec.
// $XDG_CONFIG_HOME/btrdedup or ~/.config/btrdedup
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}
	return filepath.Join(home, ".config", AppName)
}

// getCacheDir returns the cache directory following XDG spec.
// $XDG_CACHE_HOME/btrdedup or ~/.cache/btrdedup
func getCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "cache")
	}
	return filepath.Join(home, ".cache", AppName)
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// SubPath returns a path under the data directory.
func (c *Config) SubPath(parts ...string) string {
	return filepath.Join(append([]string{c.DataDir}, parts...)...)
}
