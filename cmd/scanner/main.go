// The subweaver scanner watches media directories and requests subtitles
// for newly detected videos.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/dedup"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/scanner"
)

const serviceName = "scanner"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to settings file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting scanner",
		"media_dirs", cfg.Scanner.MediaDirs,
		"language", cfg.Scanner.Language,
		"sync_interval", cfg.Scanner.SyncInterval)

	ctx := context.Background()
	metrics.Register(prometheus.DefaultRegisterer)

	rdb := bus.NewRedisClient(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	eventBus := bus.New(rdb, cfg.Bus)
	store := jobstore.New(rdb, cfg.Store)
	dedupSvc := dedup.New(rdb, cfg.Dedup)
	publisher := events.NewPublisher(eventBus, serviceName)

	svc, err := scanner.New(cfg.Scanner, store, dedupSvc, publisher)
	if err != nil {
		slog.Error("Failed to create scanner", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		slog.Error("Failed to start scanner", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Scanner.Port,
		Handler: svc.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	svc.Stop()
	slog.Info("Scanner stopped")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
