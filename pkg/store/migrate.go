package store

import (
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations runs all pending migrations using goose.
func (s *Store) RunMigrations() error {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	version, err := goose.GetDBVersion(s.conn)
	if err != nil {
		s.logger.Info("no existing migration version", "error", err)
	} else {
		s.logger.Info("current migration version", "version", version)
	}

	return goose.Up(s.conn, "migrations")
}

// ResetDatabase drops all tables and reruns migrations. No CLI
// command calls it.
func (s *Store) ResetDatabase() error {
	s.logger.Warn("resetting tracking store - all data will be lost!")

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	if err := goose.DownTo(s.conn, "migrations", 0); err != nil {
		return err
	}

	return goose.Up(s.conn, "migrations")
}

func (s *Store) GetMigrationVersion() (int64, error) {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}

	return goose.GetDBVersion(s.conn)
}
