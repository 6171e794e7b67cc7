package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/muniplan/internal/api"
	"github.com/hyperengineering/muniplan/internal/config"
	"github.com/hyperengineering/muniplan/internal/snapshot"
	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/worker"
	"github.com/hyperengineering/muniplan/internal/workflow"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "muniplan",
	Short:        "Muniplan - municipal project budgets and progress",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.Version = Version
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(completionCmd)
	rootCmd.AddCommand(outboxCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	setupLogging(cfg.Log, false)
	slog.Info("configuration loaded")
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations) and the core services
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", c.store.DriverName())

	// 5. Task-completed event pipeline
	var wg sync.WaitGroup
	pipeline, err := newEventPipeline(cfg.Events, c.store, c.completion)
	if err != nil {
		c.Close()
		return err
	}
	slog.Info("event pipeline initialized", "transport", pipeline.transport)

	wf := workflow.New(c.store, pipeline.dispatcher, c.completion)

	// 6. Snapshot storage
	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		pipeline.Close()
		c.Close()
		return fmt.Errorf("snapshot storage: %w", err)
	}

	// 7. Initialize HTTP router
	handler := api.NewHandler(c.store, c.ledger, c.completion, wf, cfg.Auth.APIKey, Version).
		WithUploader(uploader)
	router := api.NewRouter(handler, api.RouterConfig{
		DeleteRate:  cfg.Server.DeleteRate,
		DeleteBurst: cfg.Server.DeleteBurst,
	})
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Workers
	startWorker(ctx, &wg, "outbox", pipeline.dispatcher.Run)
	if pipeline.consumer != nil {
		startWorker(ctx, &wg, "event-consumer", func(ctx context.Context) {
			if err := pipeline.consumer.Run(ctx); err != nil {
				slog.Error("event consumer failed", "error", err)
				cancel()
			}
		})
	}
	if interval := time.Duration(cfg.Worker.AuditInterval); interval > 0 {
		auditWorker := worker.NewLedgerAuditWorker(c.ledger, interval, cfg.Worker.AuditRepair)
		startWorker(ctx, &wg, "ledger-audit", auditWorker.Run)
	}
	if interval := time.Duration(cfg.Worker.SnapshotInterval); interval > 0 && c.store.DriverName() == store.SQLite.Name {
		snapshotWorker := worker.NewSnapshotWorker(c.store, interval, uploader)
		startWorker(ctx, &wg, "snapshot", snapshotWorker.Run)
	}

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	shutdown(shutdownCtx, srv, &wg, pipeline, c)
	return nil
}

// shutdown drains the HTTP server, waits for the workers, then releases the
// event pipeline and finally the store. The store outlives every request
// and worker that may still write to it.
func shutdown(ctx context.Context, srv *http.Server, wg *sync.WaitGroup, pipeline *eventPipeline, st io.Closer) {
	// Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Wait for workers, then release the broker and Redis
	wg.Wait()
	pipeline.Close()

	if err := st.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
