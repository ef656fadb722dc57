// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/tracker/internal/api"
	"github.com/starford/tracker/internal/appstate"
	"github.com/starford/tracker/internal/handles"
	"github.com/starford/tracker/internal/handles/osfs"
	"github.com/starford/tracker/internal/handlestore"
	"github.com/starford/tracker/internal/mcpserver"
	"github.com/starford/tracker/internal/metrics"
	"github.com/starford/tracker/internal/persist"
	"github.com/starford/tracker/internal/sse"
	"github.com/starford/tracker/internal/statestore"
	"github.com/starford/tracker/internal/storage"
	"github.com/starford/tracker/internal/tracker"
)

// runtime is everything a command needs once configuration is loaded.
type runtime struct {
	cfg     *Config
	logger  *slog.Logger
	fs      *storage.FS
	db      *handlestore.DB
	metrics *metrics.Metrics
	svc     *appstate.Service
}

func setup(opts []Option) (*Config, *slog.Logger, error) {
	app := &application{logOutput: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_path", cfg.Data.Path),
		slog.String("data_key", cfg.Data.Key),
		slog.String("sqlite_path", cfg.Handles.SQLitePath),
		slog.Bool("dev_mode", cfg.App.DevMode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	return cfg, logger, nil
}

func openRuntime(cfg *Config, logger *slog.Logger) (*runtime, error) {
	fs, err := storage.NewFS(cfg.Data.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := handlestore.Open(cfg.Handles.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("init handle store: %w", err)
	}

	m := metrics.New()

	var hostOpts []osfs.Option
	if cfg.Handles.Root != "" {
		hostOpts = append(hostOpts, osfs.WithRoot(cfg.Handles.Root))
	}
	cache := handles.New(db, osfs.New(hostOpts...),
		handles.WithLogger(logger),
		handles.WithProbeObserver(func(s handles.State) { m.ObserveProbe(string(s)) }))

	ctl := persist.New(fs,
		persist.WithKey(cfg.Data.Key),
		persist.WithMigrate(tracker.Migrate),
		persist.WithSaveDelay(cfg.Autosave.SaveDelay),
		persist.WithLogger(logger))

	svc := appstate.Open(ctl, cache, appstate.Config{
		Seed: tracker.BuildSeed(cfg.App.DevMode),
		Autosave: persist.AutosaveOptions{
			Debounce:         cfg.Autosave.Debounce,
			IgnoreKeysPrefix: cfg.Autosave.IgnorePrefixes,
			PersistFilter:    tracker.PersistFilter(cfg.Autosave.ExcludePartitions...),
		},
		HistoryDepth: cfg.History.Depth,
	}, appstate.WithLogger(logger), appstate.WithMetrics(m))

	return &runtime{cfg: cfg, logger: logger, fs: fs, db: db, metrics: m, svc: svc}, nil
}

// close flushes pending state and releases the handle store.
func (rt *runtime) close() error {
	return errors.Join(rt.svc.Close(), rt.db.Close())
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			logger.Error("shutdown flush failed", slog.String("error", err.Error()))
		}
	}()
	svc := rt.svc

	// SSE broker.
	broker := sse.NewBroker()
	defer broker.Close()

	svc.Store().Subscribe(func(_ statestore.Tree, changed statestore.ChangeSet) {
		broker.PublishChange(changed)
	}, nil)
	svc.Persistence().OnStatus(func(status persist.Status, err error) {
		broker.PublishStatus(status.String(), err)
	})
	svc.Start()

	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
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
		if status, _ := svc.Status(); status == persist.StatusError {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"save_failing"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", rt.metrics.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Report edits made to the snapshot file by other processes.
	if cfg.Data.Watch {
		key := svc.Persistence().Key()
		g.Go(func() error {
			if err := storage.Watch(gCtx, rt.fs, logger, func(changed string) {
				if changed != key {
					return
				}
				logger.Warn("snapshot changed by another writer", slog.String("key", changed))
				broker.PublishExternal(changed)
			}); err != nil {
				logger.Warn("snapshot watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
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

		logger.Info("Shutting down server...")

		// SSE streams end with the broker, otherwise Shutdown waits on them.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// Export renders the stored snapshot without starting the server.
func Export(_ context.Context, opts ...Option) (persist.Export, error) {
	cfg, logger, err := setup(opts)
	if err != nil {
		return persist.Export{}, err
	}
	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return persist.Export{}, err
	}
	exp, err := rt.svc.Export()
	return exp, errors.Join(err, rt.close())
}

// Import reads a snapshot from r and stores it with the given strategy.
func Import(_ context.Context, r io.Reader, strategy string, opts ...Option) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	state, err := rt.svc.Import(r, strategy)
	if err == nil {
		logger.Info("Snapshot imported",
			slog.String("strategy", strategy),
			slog.Int("partitions", len(state)))
	}
	return errors.Join(err, rt.close())
}

// ServeMCP serves the MCP tools over stdio until stdin closes.
func ServeMCP(_ context.Context, opts ...Option) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	rt.svc.Start()

	logger.Info("MCP server starting on stdio")
	serveErr := mcpserver.New(rt.svc).ServeStdio()
	return errors.Join(serveErr, rt.close())
}
