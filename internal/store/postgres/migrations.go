package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var metaMigrations embed.FS

// ApplyMetaMigrations runs the fixed set of meta-namespace migrations
// (subgraph, subgraph_version, subgraph_deployment, ...) via golang-migrate.
// This is the one part of the schema that is known at compile time — the
// per-deployment entity tables are not, and are created dynamically by
// EnsureSchema instead (spec.md §9 "Dynamic SQL over a statically-typed
// driver").
func ApplyMetaMigrations(db *sql.DB) error {
	src, err := iofs.New(metaMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply meta migrations: %w", err)
	}
	return nil
}
