package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "sqlite default", mutate: func(c *Config) {}},
		{name: "sqlite without path", mutate: func(c *Config) { c.Path = "" }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Driver = DriverPostgres }, wantErr: true},
		{name: "postgres with dsn", mutate: func(c *Config) {
			c.Driver = DriverPostgres
			c.DSN = "postgres://u:p@localhost/db"
		}},
		{name: "badger", mutate: func(c *Config) { c.Driver = DriverBadger }},
		{name: "memory ignores pool settings", mutate: func(c *Config) {
			c.Driver = DriverMemory
			c.MaxConnections = 0
		}},
		{name: "unknown driver", mutate: func(c *Config) { c.Driver = "mongo" }, wantErr: true},
		{name: "zero connections", mutate: func(c *Config) { c.MaxConnections = 0 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SQLiteDSN(t *testing.T) {
	cfg := &Config{Path: "/tmp/x.db"}
	assert.Equal(t, "/tmp/x.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", cfg.SQLiteDSN())
}
