package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

func newMigrate(driver, dsn string) (*migrate.Migrate, error) {
	var dir, url string
	switch driver {
	case DriverSQLite:
		dir, url = "migrations/sqlite", "sqlite://"+dsn
	case DriverPostgres:
		dir, url = "migrations/postgres", dsn
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, err
	}

	// Create a new source instance using the embedded migrations
	d, err := iofs.New(sub, ".")
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, url)
	if err != nil {
		return nil, fmt.Errorf("error creating migrate instance: %w", err)
	}
	return m, nil
}

// Migrate applies all pending migrations for the given driver
func Migrate(driver, dsn string) error {
	log.WithFields(log.Fields{"driver": driver}).Info("Running migrations")

	m, err := newMigrate(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Rollback reverts the most recent migration
func Rollback(driver, dsn string) error {
	log.WithFields(log.Fields{"driver": driver}).Info("Rolling back last migration")

	m, err := newMigrate(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback failed: %w", err)
	}

	return nil
}
