// Package store persists the filesystem/volume/inode tracking state
// behind a SQLite database, with its own connection handling and
// migrations modeling the dedup pipeline's own schema.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/elee1766/btrdedup/pkg/config"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/fx"
)

var Module = fx.Module("store",
	fx.Provide(New),
)

type Store struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens the tracking store and runs pending migrations, usable
// directly by CLI commands that manage their own lifetime without an
// fx.App. New wraps this for fx-based wiring.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	logger = logger.With("component", "store")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Store{conn: conn, logger: logger}

	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("tracking store initialized", "path", cfg.DBPath)
	return s, nil
}

// New opens the tracking store as an fx-provided dependency, closing
// it on the application's OnStop hook.
func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	s, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			s.logger.Info("closing tracking store")
			return s.Close()
		},
	})

	return s, nil
}

func (s *Store) init() error {
	s.logger.Debug("initializing tracking store with migrations")

	if _, err := s.conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	return s.RunMigrations()
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Conn() *sql.DB {
	return s.conn
}

// SetBulkMode toggles SQLite's synchronous setting between the
// default FULL (durable across a power loss) and NORMAL (durable
// across a process crash, but not a power loss) for the duration of
// a bulk scan/dedup pass. Grounded on bedup's dedup_tracked1, which
// sets PRAGMA synchronous=NORMAL for the loop and restores FULL after.
func (s *Store) SetBulkMode(bulk bool) error {
	level := "FULL"
	if bulk {
		level = "NORMAL"
	}
	_, err := s.conn.Exec("PRAGMA synchronous = " + level)
	return err
}
