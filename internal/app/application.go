// Package app wires the store, hub and HTTP surfaces into one server.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"

	"schoolchat/internal/api"
	"schoolchat/internal/config"
	"schoolchat/internal/database"
	"schoolchat/internal/hub"
	"schoolchat/internal/observability"
	"schoolchat/internal/router"
	"schoolchat/internal/store"
	"schoolchat/internal/websocket"
	pkgdatabase "schoolchat/pkg/database"
	"schoolchat/pkg/errutil"
	"schoolchat/pkg/interfaces"
)

// Application owns every component. Initialization order is
// backend, store, registry, router, hub, HTTP; shutdown is the reverse.
type Application struct {
	config   *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    *store.Service
	registry *websocket.Registry
	hub      *hub.Hub
	server   *http.Server
	listener net.Listener
}

// NewApplication validates cfg, opens and migrates the store and builds
// the HTTP handler. Nothing listens until Start.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	promRegistry := observability.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	backend, err := OpenBackend(ctx, &cfg.Store.Config, logger)
	if err != nil {
		return nil, err
	}
	svc := store.NewService(backend, store.Options{
		MaxBodyLength: cfg.Store.MaxBodyLength,
		Logger:        logger,
		Metrics:       metrics,
	})

	registry := websocket.NewRegistry()
	messageRouter := router.NewRouter(registry, svc, router.Options{
		RateLimit: cfg.Hub.RateLimit,
		Logger:    logger,
		Metrics:   metrics,
	})
	messageHub := hub.NewHub(registry, messageRouter, hub.Options{
		QueueSize:         cfg.Hub.QueueSize,
		WorkerQueueSize:   cfg.Hub.WorkerQueueSize,
		WorkerIdleTimeout: cfg.Hub.WorkerIdleTimeout,
		MultiChannel:      cfg.Hub.MultiChannel,
		Logger:            logger,
		Metrics:           metrics,
	})

	apiServer := api.NewServer(svc, registry, api.Options{
		RetryAfter: cfg.HTTP.RetryAfter,
		Logger:     logger,
		Metrics:    metrics,
	})
	wsHandler := websocket.NewHandler(messageHub, websocket.HandlerOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		PongWait:       cfg.WebSocket.PongWait,
		MaxFrameBytes:  cfg.WebSocket.MaxFrameBytes,
		Connection: websocket.ConnectionOptions{
			SendBuffer:   cfg.WebSocket.SendBuffer,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
		},
		Logger: logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/ws", wsHandler)
	observability.Register(mux, promRegistry, func(r *http.Request) bool {
		return messageHub.Running() && svc.HealthCheck(r.Context()) == nil
	})

	return &Application{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		store:    svc,
		registry: registry,
		hub:      messageHub,
		server: &http.Server{
			Addr:              cfg.Address(),
			Handler:           mux,
			ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}, nil
}

// OpenBackend opens the backend selected by cfg.Driver. SQL backends are
// migrated first; sqlite is also checked against the expected schema.
func OpenBackend(ctx context.Context, cfg *pkgdatabase.Config, logger *slog.Logger) (interfaces.MessageBackend, error) {
	switch cfg.Driver {
	case pkgdatabase.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, oops.Code("SQLITE_OPEN_FAILED").With("path", cfg.Path).Wrap(err)
		}
		if err := pkgdatabase.MigrateUp(cfg); err != nil {
			return nil, err
		}
		manager, err := database.NewManager(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := pkgdatabase.NewSchemaValidator(manager.DB()).Validate(); err != nil {
			_ = manager.Close()
			return nil, err
		}
		return manager, nil
	case pkgdatabase.DriverPostgres:
		if err := pkgdatabase.MigrateUp(cfg); err != nil {
			return nil, err
		}
		return database.NewPostgresBackend(ctx, cfg)
	case pkgdatabase.DriverBadger:
		return database.NewBadgerBackend(cfg.Path)
	case pkgdatabase.DriverMemory:
		return store.NewMemoryBackend(), nil
	default:
		return nil, oops.Code("CONFIG_INVALID").Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Start starts the hub and begins serving. It returns once the listener
// is bound.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return oops.With("addr", app.server.Addr).Wrapf(err, "listen")
	}
	app.listener = listener

	go func() {
		if err := app.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errutil.LogError(app.logger, "http server stopped", err)
		}
	}()
	app.logger.Info("schoolchat started",
		"addr", listener.Addr().String(),
		"store", app.config.Store.Driver,
		"multi_channel", app.config.Hub.MultiChannel)
	return nil
}

// Stop shuts down in reverse order: HTTP, hub, store.
func (app *Application) Stop(ctx context.Context) error {
	var errs []error
	if err := app.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, err)
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, err)
	}
	app.logger.Info("schoolchat stopped")
	return errors.Join(errs...)
}

// Addr is the bound listen address once started, the configured one before.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.server.Addr
}

// Handler exposes the root handler for in-process tests.
func (app *Application) Handler() http.Handler {
	return app.server.Handler
}

// Registry exposes live membership for diagnostics.
func (app *Application) Registry() *websocket.Registry {
	return app.registry
}

// Run starts the application and blocks until ctx is done, then shuts
// down within timeout.
func (app *Application) Run(ctx context.Context, timeout time.Duration) error {
	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return app.Stop(shutdownCtx)
}
