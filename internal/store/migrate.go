package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*/*.sql
var migrationFiles embed.FS

// migrateUp applies the migrations under migrations/<dialect>. The
// migrate instance is not closed: closing it would close the database.
func migrateUp(driver database.Driver, name, dialect string) error {
	d, err := iofs.New(migrationFiles, "migrations/"+dialect)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, name, driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
