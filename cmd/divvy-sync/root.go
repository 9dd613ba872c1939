package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/divvyhq/divvy-sync/internal/api"
	"github.com/divvyhq/divvy-sync/internal/config"
	"github.com/divvyhq/divvy-sync/internal/conn"
	"github.com/divvyhq/divvy-sync/internal/engine"
	"github.com/divvyhq/divvy-sync/internal/feed"
	"github.com/divvyhq/divvy-sync/internal/queue"
	"github.com/divvyhq/divvy-sync/internal/retry"
	"github.com/divvyhq/divvy-sync/internal/store"
	"github.com/divvyhq/divvy-sync/internal/subscription"
	"github.com/divvyhq/divvy-sync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "divvy-sync",
	Short: "Divvy Sync - offline-capable sync daemon for shared-expense data",
	RunE:  run,
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
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize durable queue storage (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("queue store initialized", "path", cfg.Database.Path)

	// 5. Realtime change feed and REST mutation clients
	rt := feed.NewRealtimeClient(feed.RealtimeOptions{
		URL:               cfg.Remote.RealtimeURL,
		APIKey:            cfg.Remote.APIKey,
		HeartbeatInterval: time.Duration(cfg.Remote.HeartbeatInterval),
	})
	rest := feed.NewRESTClient(cfg.Remote.RESTURL, cfg.Remote.APIKey, time.Duration(cfg.Server.WriteTimeout))
	slog.Info("remote clients initialized",
		"realtime_url", cfg.Remote.RealtimeURL,
		"rest_url", cfg.Remote.RESTURL,
	)

	// 6. Assemble the sync engine
	eng := engine.New(engine.Options{
		Queue:    queue.New(db, cfg.Queue.MaxSize),
		Registry: subscription.NewRegistry(subscription.RealtimeProvider{Client: rt}),
		Monitor:  conn.NewMonitor(rt),
		Mutator:  rest,
		RetryConfig: retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelay),
			MaxDelay:    time.Duration(cfg.Retry.MaxDelay),
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      true,
		},
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}

	// 7. Initialize HTTP router
	handler := api.NewHandler(eng, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

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
	scheduler := worker.NewSyncScheduler(eng, cfg.Worker.SyncSchedule)
	startWorker(ctx, &wg, "sync-scheduler", func(ctx context.Context) {
		if err := scheduler.Run(ctx); err != nil {
			slog.Error("scheduler failed", "error", err)
			cancel()
		}
	})

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error indicates an actual server failure.
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

	// 12a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers to complete
	wg.Wait()

	// 12c. Dispose the engine (unsubscribes channels, closes the link)
	eng.Dispose(shutdownCtx)

	// 12d. Close the queue store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
