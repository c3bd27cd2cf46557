package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/forge/internal/api"
	"github.com/hyperengineering/forge/internal/apply"
	"github.com/hyperengineering/forge/internal/config"
	"github.com/hyperengineering/forge/internal/snapshot"
	"github.com/hyperengineering/forge/internal/store"
	"github.com/hyperengineering/forge/internal/txindex"
	"github.com/hyperengineering/forge/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "forge",
	Short:        "Forge - offline-first sync server for the shop ERP",
	RunE:         run,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync HTTP server and background workers",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger, logCloser := newLogger(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)
	slog.Info("configuration loaded")
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format, "file", cfg.Log.File)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Push coordinator and ledger tx index
	coordinator := apply.NewCoordinator(db, cfg.Sync.ElevatedRoles)
	index := txindex.New(db, db, cfg.Index.PageSize)
	slog.Info("sync engine initialized",
		"elevated_roles", cfg.Sync.ElevatedRoles,
		"index_page_size", cfg.Index.PageSize,
	)

	// 6. Snapshot storage
	uploader, err := snapshot.NewUploader(cfg.Snapshot.Storage)
	if err != nil {
		db.Close()
		return fmt.Errorf("snapshot storage: %w", err)
	}
	slog.Info("snapshot storage initialized", "bucket", cfg.Snapshot.Storage.Bucket)

	// 7. Initialize HTTP router
	handler := api.NewHandler(db, coordinator, index, uploader, cfg.Auth.APIKey, Version, api.Limits{
		MaxPushRows:    cfg.Sync.MaxPushRows,
		IdempotencyTTL: time.Duration(cfg.Sync.IdempotencyTTL),
		MaxCatchupRows: cfg.Index.MaxCatchupRows,
	})
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 8. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "index-catchup",
		worker.NewIndexCatchupWorker(index, time.Duration(cfg.Worker.IndexCatchupInterval), cfg.Index.MaxCatchupRows).Run)
	startWorker(ctx, &wg, "snapshot",
		worker.NewSnapshotWorker(db, time.Duration(cfg.Worker.SnapshotInterval), uploader).Run)
	startWorker(ctx, &wg, "idempotency-janitor",
		worker.NewIdempotencyJanitor(db, time.Duration(cfg.Worker.IdempotencyCleanInterval)).Run)

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Stop HTTP server (drains in-flight pushes)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers to complete
	wg.Wait()

	// 12c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
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
