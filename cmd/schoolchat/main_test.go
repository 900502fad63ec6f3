package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/internal/app"
	"schoolchat/internal/store"
	"schoolchat/pkg/database"
	"schoolchat/pkg/errutil"
	"schoolchat/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, path string, bodies ...string) {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Driver = database.DriverSQLite
	cfg.Path = path

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := app.OpenBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	svc := store.NewService(backend, store.Options{Logger: logger})
	defer func() { _ = svc.Close() }()

	for _, body := range bodies {
		_, err := svc.Append(context.Background(), "group:3A", "Ana", "u-1", body)
		require.NoError(t, err)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := NewRootCmd()

	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "migrate")
	assert.Contains(t, names, "history")

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("store-driver"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("port"))
}

func TestMigrate_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "chat.db")

	out, err := execute(t, "migrate", "up", "--store-path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations applied")

	out, err = execute(t, "migrate", "version", "--store-path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "version 1 (dirty: false)")

	out, err = execute(t, "migrate", "down", "--store-path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations rolled back")
}

func TestMigrate_DriverWithoutSchema(t *testing.T) {
	for _, driver := range []string{"memory", "badger"} {
		t.Run(driver, func(t *testing.T) {
			_, err := execute(t, "migrate", "up", "--store-driver", driver, "--store-path", t.TempDir())
			errutil.AssertErrorCode(t, err, "MIGRATION_UNSUPPORTED")
		})
	}
}

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	seed(t, path, "one", "two", "three")

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "all", args: nil, want: []string{"one", "two", "three"}},
		{name: "limit", args: []string{"--limit", "2"}, want: []string{"two", "three"}},
		{name: "limit above size", args: []string{"--limit", "10"}, want: []string{"one", "two", "three"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"history", "group:3A", "--store-path", path}, tt.args...)
			out, err := execute(t, args...)
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, len(tt.want))
			for i, line := range lines {
				var msg types.Message
				require.NoError(t, json.Unmarshal([]byte(line), &msg))
				assert.Equal(t, tt.want[i], msg.Content)
				assert.Equal(t, "group:3A", msg.ChannelID)
			}
		})
	}
}

func TestHistory_EmptyChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	seed(t, path)

	out, err := execute(t, "history", "year:2025", "--store-path", path)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestHistory_InvalidChannel(t *testing.T) {
	_, err := execute(t, "history", "club:chess", "--store-driver", "memory")
	assert.True(t, errutil.IsValidation(err))
	errutil.AssertErrorCode(t, err, errutil.CodeChannelInvalid)
}

func TestHistory_RequiresChannel(t *testing.T) {
	_, err := execute(t, "history")
	require.Error(t, err)
}
