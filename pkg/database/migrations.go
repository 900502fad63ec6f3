package database

import (
	"embed"
	"errors"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// Register the pgx/v5 and sqlite3 database drivers for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrateIface is the subset of golang-migrate the Migrator drives.
type migrateIface interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

// Migrator applies the embedded schema to a sqlite or postgres store.
type Migrator struct {
	m      migrateIface
	driver string
}

// NewMigrator opens a migrator for the configured driver. Badger and memory
// stores have no schema and are rejected.
func NewMigrator(cfg *Config) (*Migrator, error) {
	dir, url, err := migrationTarget(cfg)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_FAILED").With("dir", dir).Wrap(err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		_ = source.Close()
		return nil, oops.Code("MIGRATION_INIT_FAILED").With("driver", cfg.Driver).Wrap(err)
	}
	return &Migrator{m: m, driver: cfg.Driver}, nil
}

func migrationTarget(cfg *Config) (dir, url string, err error) {
	switch cfg.Driver {
	case DriverSQLite:
		return "migrations/sqlite", "sqlite3://" + cfg.Path, nil
	case DriverPostgres:
		dsn := cfg.DSN
		if rest, found := strings.CutPrefix(dsn, "postgres://"); found {
			dsn = "pgx5://" + rest
		} else if rest, found := strings.CutPrefix(dsn, "postgresql://"); found {
			dsn = "pgx5://" + rest
		}
		return "migrations/postgres", dsn, nil
	default:
		return "", "", oops.Code("MIGRATION_UNSUPPORTED").Errorf("driver %q has no schema to migrate", cfg.Driver)
	}
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_UP_FAILED").With("driver", m.driver).Wrap(err)
	}
	return nil
}

// Down rolls every migration back, dropping the messages table.
func (m *Migrator) Down() error {
	if err := m.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_DOWN_FAILED").With("driver", m.driver).Wrap(err)
	}
	return nil
}

// Version returns 0 when nothing has been applied.
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, oops.Code("MIGRATION_VERSION_FAILED").Wrap(err)
	}
	return version, dirty, nil
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

// MigrateUp is the one-shot form used at startup.
func MigrateUp(cfg *Config) error {
	m, err := NewMigrator(cfg)
	if err != nil {
		return err
	}
	upErr := m.Up()
	closeErr := m.Close()
	if upErr != nil {
		return upErr
	}
	return closeErr
}
