package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/internal/client"
	"schoolchat/internal/config"
	pkgdatabase "schoolchat/pkg/database"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Store.Driver = driver
	switch driver {
	case pkgdatabase.DriverSQLite:
		cfg.Store.Path = filepath.Join(t.TempDir(), "data", "chat.db")
	case pkgdatabase.DriverBadger:
		cfg.Store.Path = filepath.Join(t.TempDir(), "badger")
	}
	return cfg
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = -1
	_, err := NewApplication(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	_, err := OpenBackend(context.Background(), &pkgdatabase.Config{Driver: "mongo"}, quietLogger())
	assert.Error(t, err)
}

func TestApplication_EndToEnd(t *testing.T) {
	for _, driver := range []string{pkgdatabase.DriverMemory, pkgdatabase.DriverSQLite, pkgdatabase.DriverBadger} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			application, err := NewApplication(ctx, testConfig(t, driver), quietLogger())
			require.NoError(t, err)
			require.NoError(t, application.Start(ctx))
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				assert.NoError(t, application.Stop(stopCtx))
			}()

			baseURL := "http://" + application.Addr()
			sess, err := client.New(client.Options{BaseURL: baseURL, User: "Ana", Logger: quietLogger()})
			require.NoError(t, err)
			defer sess.Close()

			require.NoError(t, sess.Open(ctx, "group:G1"))
			sent, err := sess.Send(ctx, "bonjour")
			require.NoError(t, err)

			history, err := sess.LoadHistory(ctx, "group:G1")
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, sent.ID, history[0].ID)
			assert.Equal(t, "Ana", history[0].User)
		})
	}
}

func TestApplication_Probes(t *testing.T) {
	ctx := context.Background()
	application, err := NewApplication(ctx, testConfig(t, pkgdatabase.DriverMemory), quietLogger())
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		application.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/healthz/liveness").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz/readiness").Code, "not ready before the hub runs")

	require.NoError(t, application.Start(ctx))
	defer func() { _ = application.Stop(context.Background()) }()

	assert.Equal(t, http.StatusOK, get("/healthz/readiness").Code)
	assert.Equal(t, http.StatusOK, get("/health").Code)

	metrics := get("/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "schoolchat_connections_active")
}
