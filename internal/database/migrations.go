package database

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending versioned migrations. A database left dirty by
// an interrupted migration is reported as a MigrationError and never
// modified.
func (db *DB) Migrate(ctx context.Context) error {
	m, err := db.migrator()
	if err != nil {
		return err
	}

	before, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return &MigrationError{version: before, err: migrate.ErrDirty{Version: int(before)}}
	}

	done := make(chan error, 1)
	go func() { done <- m.Up() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		m.GracefulStop <- true
		err = <-done
	}
	if errors.Is(err, migrate.ErrNoChange) {
		db.log.Debug().Uint("version", before).Msg("schema up to date")
		return nil
	}
	if err != nil {
		after, _, _ := m.Version()
		return &MigrationError{version: after, err: err}
	}

	after, _, _ := m.Version()
	db.log.Info().Uint("from", before).Uint("to", after).Msg("schema migrations complete")
	return nil
}

// migrator builds a migrate instance over the pool. The returned instance
// must not be closed: that would close the shared connections.
func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(stdlib.OpenDBFromPool(db.Pool), &migratepgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// MigrationError is returned when a migration fails or the schema was left
// dirty by an earlier failure.
type MigrationError struct {
	version uint
	err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema migration failed at version %d: %v\n\n"+
		"Fix the cause, then mark the version clean in schema_migrations "+
		"(UPDATE schema_migrations SET dirty = false) and restart minutes-engine.", e.version, e.err)
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
