package pgstore

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migration under dir to the database at dsn.
// It is a no-op if the schema is already current.
func Migrate(dsn, dir string) error {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("pgstore: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pgstore: migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back steps migrations (at least 1) against dsn.
func MigrateDown(dsn, dir string, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("pgstore: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pgstore: migrate down: %w", err)
	}
	return nil
}
