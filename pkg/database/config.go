// Package database holds storage configuration, schema migrations and
// schema checks shared by the message store backends.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/samber/oops"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
)

// Config selects and tunes the message store backend.
type Config struct {
	Driver          string        `koanf:"driver" json:"driver"`
	Path            string        `koanf:"path" json:"path"`
	DSN             string        `koanf:"dsn" json:"dsn"`
	MaxConnections  int           `koanf:"max_connections" json:"max_connections"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" json:"conn_max_idle_time"`
	// Timeout bounds a single write, retries included.
	Timeout time.Duration `koanf:"timeout" json:"timeout"`
}

// DefaultConfig returns a sqlite configuration sized for a single school.
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		Path:            "./data/schoolchat.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		Timeout:         30 * time.Second,
	}
}

// Validate checks the settings the selected driver needs.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverBadger:
		if c.Path == "" {
			return oops.Code("CONFIG_INVALID").Errorf("store path cannot be empty for driver %q", c.Driver)
		}
	case DriverPostgres:
		if c.DSN == "" {
			return oops.Code("CONFIG_INVALID").Errorf("store dsn cannot be empty for driver %q", c.Driver)
		}
	case DriverMemory:
	default:
		return oops.Code("CONFIG_INVALID").Errorf("unknown store driver %q", c.Driver)
	}
	if c.Driver == DriverSQLite || c.Driver == DriverPostgres {
		if c.MaxConnections <= 0 {
			return oops.Code("CONFIG_INVALID").Errorf("max connections must be greater than 0")
		}
		if c.ConnMaxLifetime <= 0 || c.ConnMaxIdleTime <= 0 {
			return oops.Code("CONFIG_INVALID").Errorf("connection lifetimes must be greater than 0")
		}
	}
	if c.Timeout <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("store timeout must be greater than 0")
	}
	return nil
}

// SQLiteDSN returns the go-sqlite3 data source name for Path.
func (c *Config) SQLiteDSN() string {
	return fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", c.Path)
}

// WAL keeps readers off the single writer.
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -64000;
	PRAGMA temp_store = MEMORY;
	PRAGMA busy_timeout = 5000;
`

// ApplySQLiteOptimizations sets the pragmas used by every sqlite handle.
func ApplySQLiteOptimizations(db *sql.DB) error {
	if _, err := db.Exec(sqliteOptimizations); err != nil {
		return oops.Code("SQLITE_PRAGMA_FAILED").Wrap(err)
	}
	return nil
}
