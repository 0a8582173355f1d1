package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/libraryd/internal/eventbus"
	"github.com/tonimelisma/libraryd/internal/hlc"
	"github.com/tonimelisma/libraryd/internal/ids"
	"github.com/tonimelisma/libraryd/internal/indexer"
	"github.com/tonimelisma/libraryd/internal/jobs"
	"github.com/tonimelisma/libraryd/internal/library"
	"github.com/tonimelisma/libraryd/internal/peerlog"
	"github.com/tonimelisma/libraryd/internal/peersync"
	"github.com/tonimelisma/libraryd/internal/volume"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the library daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			return runServe(cmd.Context(), cc)
		},
	}
}

// runServe wires every component (C1-C9) into a running daemon and blocks
// until a shutdown signal arrives. Grounded on the teacher's sync.go
// command->engine wiring pattern, generalized from one-shot sync to a
// long-running process composition root.
func runServe(ctx context.Context, cc *CLIContext) error {
	logger := cc.Logger
	cfg := cc.Cfg

	if cfg.Library.Path == "" {
		return fmt.Errorf("library.path must be set (config file or --library)")
	}

	pidPath := flagPIDFile
	if pidPath == "" {
		pidPath = defaultPIDPath(cfg.Library.Path)
	}

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx = shutdownContext(ctx, logger)

	device, err := resolveDeviceID(cfg.Device.UUID, logger)
	if err != nil {
		return err
	}

	libraryUUID := resolveLibraryUUID(cfg.Library.UUID, logger)

	clock := hlc.New(device, nil)

	libStore, err := library.NewStore(ctx, cfg.Library.Path, logger)
	if err != nil {
		return fmt.Errorf("opening library store: %w", err)
	}
	defer libStore.Close()

	peerLogStore, err := peerlog.NewStore(ctx, syncDBPath(cfg.Library.Path), clock, device, logger)
	if err != nil {
		return fmt.Errorf("opening peer log store: %w", err)
	}
	defer peerLogStore.Close()

	libStore.SetChangeRecorder(peerlog.NewRecorder(peerLogStore))

	bus := eventbus.New()

	jobStore, err := jobs.NewSQLStore(ctx, libStore.DB())
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}

	executor := jobs.NewExecutor(jobStore, logger, cfg.Job.Concurrency)

	indexerDeps := &indexer.Deps{
		Store:   libStore,
		Bus:     bus,
		Backend: volume.NewLocalBackend("/"),
		Config:  cfg.Indexer,
		Logger:  logger,
	}

	jobs.Register("indexer", indexer.NewIndexerJobFactory(indexerDeps))
	jobs.Register("indexer-watch", indexer.NewWatcherJobFactory(indexerDeps))

	if err := executor.Start(ctx); err != nil {
		return fmt.Errorf("starting job executor: %w", err)
	}
	defer executor.Shutdown()

	reg := prometheus.NewRegistry()
	metrics := peersync.NewMetricsRecorder(reg)

	engine, err := peersync.NewEngine(device, libraryUUID, clock, peerLogStore, libStore, bus, cfg.Sync, metrics, logger)
	if err != nil {
		return fmt.Errorf("building sync engine: %w", err)
	}

	var servers []*http.Server

	if cfg.Sync.ListenAddress != "" {
		servers = append(servers, startSyncListener(ctx, cfg.Sync.ListenAddress, engine, logger))
	}

	if cfg.Metrics.Enabled {
		servers = append(servers, startMetricsListener(ctx, cfg.Metrics.Address, reg, logger))
	}

	logger.Info("libraryd: daemon started", slog.String("device", device.String()), slog.String("library", cfg.Library.Path))

	<-ctx.Done()

	logger.Info("libraryd: shutting down")

	shutdownCtx := context.WithoutCancel(ctx)
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}

	return nil
}

// resolveDeviceID parses the configured device UUID, or mints a fresh one
// with a warning when unset (first run before a config file pins it down).
func resolveDeviceID(configured string, logger *slog.Logger) (ids.DeviceID, error) {
	if configured == "" {
		device := ids.NewDeviceID()
		logger.Warn("libraryd: device.uuid not configured, using a transient identity for this run",
			slog.String("device", device.String()))

		return device, nil
	}

	return ids.ParseDeviceID(configured)
}

// syncDBPath derives the C6 peer-log database path (sync.db) as a sibling
// of the library's database.db (spec.md §6.3: two separate *sql.DB files
// per library).
func syncDBPath(libraryPath string) string {
	return filepath.Join(filepath.Dir(libraryPath), "sync.db")
}

// resolveLibraryUUID returns the configured library UUID, or mints a
// transient one with a warning when unset.
func resolveLibraryUUID(configured string, logger *slog.Logger) string {
	if configured != "" {
		return configured
	}

	id := ids.NewLibraryID().String()
	logger.Warn("libraryd: library.uuid not configured, using a transient identity for this run",
		slog.String("library", id))

	return id
}

// startSyncListener starts the websocket peer-sync listener in the
// background, accepting one peersync session per connection.
func startSyncListener(ctx context.Context, addr string, engine *peersync.Engine, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		t, err := peersync.AcceptWebSocket(w, r)
		if err != nil {
			logger.Warn("peersync: websocket accept failed", "error", err)
			return
		}

		if err := engine.HandleSession(r.Context(), t); err != nil {
			logger.Warn("peersync: session ended", "error", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("libraryd: sync listener starting", slog.String("address", addr))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("libraryd: sync listener stopped", slog.Any("error", err))
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.WithoutCancel(ctx))
	}()

	return srv
}

// startMetricsListener serves the prometheus registry over /metrics.
func startMetricsListener(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("libraryd: metrics listener starting", slog.String("address", addr))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("libraryd: metrics listener stopped", slog.Any("error", err))
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.WithoutCancel(ctx))
	}()

	return srv
}
