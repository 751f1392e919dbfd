// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/igrechuhin/cortex/internal/api"
	"github.com/igrechuhin/cortex/internal/mcpserver"
	"github.com/igrechuhin/cortex/internal/registry"
)

// ErrValidationFailed is returned by Validate when broken links were found.
var ErrValidationFailed = errors.New("broken links found")

// setup installs the JSON logger and builds the registry. The logger
// writes to stderr because stdout carries the MCP stdio transport.
func setup(opts []Option) (*application, *registry.Registry, *slog.Logger, error) {
	app := newApplication(opts)
	if app.config == nil {
		return nil, nil, nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("root", cfg.Store.Root),
		slog.String("state_dir", cfg.Store.StateDirPath()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	reg, err := registry.New(cfg.RegistryOptions(logger))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init registry: %w", err)
	}
	return app, reg, logger, nil
}

// Run starts the HTTP server and the file watcher.
func Run(ctx context.Context, opts ...Option) error {
	app, reg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer reg.Close()
	cfg := app.config

	// Run initial sync.
	if err := reg.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	apiRouter := api.NewRouter(api.Deps{
		Store:        reg.Store,
		Transclusion: reg.Transclusion,
		Validator:    reg.Validator,
		Links:        reg.Links,
		Graph:        reg.Graph,
	}, cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := reg.Watch(gCtx, nil); err != nil {
			logger.Error("watcher failed", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdio while the watcher keeps the
// indexes current.
func RunMCP(ctx context.Context, opts ...Option) error {
	_, reg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := reg.Watch(ctx, nil); err != nil {
			logger.Error("watcher failed", slog.String("error", err.Error()))
		}
	}()

	srv := mcpserver.New(mcpserver.Deps{
		Store:        reg.Store,
		Transclusion: reg.Transclusion,
		Validator:    reg.Validator,
		Links:        reg.Links,
		Graph:        reg.Graph,
		Logger:       logger,
	})
	logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}

// Validate checks links in scope and prints the report as JSON. It returns
// ErrValidationFailed when a link is broken.
func Validate(ctx context.Context, scope string, opts ...Option) error {
	app, reg, _, err := setup(opts)
	if err != nil {
		return err
	}
	defer reg.Close()

	rep, err := reg.Validator.Validate(ctx, scope)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(app.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("%d %w", len(rep.Broken), ErrValidationFailed)
	}
	return nil
}

// RebuildIndex regenerates the metadata index and the link index.
func RebuildIndex(ctx context.Context, opts ...Option) error {
	app, reg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	entries, err := reg.Index.All(ctx)
	if err != nil {
		return err
	}
	logger.Info("Index rebuilt", slog.Int("documents", len(entries)))
	_, err = fmt.Fprintf(app.out, "indexed %d documents\n", len(entries))
	return err
}
