package store

import (
	"database/sql"
	"fmt"

	"github.com/hyperengineering/muniplan/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending migrations for the dialect using goose.
// It uses the embedded SQL files from the migrations package.
func RunMigrations(db *sql.DB, d Dialect) error {
	// Disable goose's default logging to avoid stdout noise
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect(d.GooseDialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, d.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// MigrationVersion returns the current goose schema version.
func MigrationVersion(db *sql.DB, d Dialect) (int64, error) {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(d.GooseDialect); err != nil {
		return 0, fmt.Errorf("set dialect: %w", err)
	}
	return goose.GetDBVersion(db)
}
