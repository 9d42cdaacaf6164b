// The subweaver downloader consumes download tasks, searches the
// subtitle catalogue, and falls back to translation when the desired
// language is unavailable.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/catalogue"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/downloader"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/models"
)

const serviceName = "downloader"

func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

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
	podID := resolvePodID()
	slog.Info("Starting downloader", "pod_id", podID,
		"translation_enabled", cfg.Downloader.TranslationEnabled,
		"fallback_language", cfg.Downloader.FallbackLanguage)

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
	publisher := events.NewPublisher(eventBus, serviceName)
	catalogueClient := catalogue.NewRESTClient(cfg.Catalogue)

	worker := downloader.New(store, catalogueClient, publisher, cfg.Downloader)
	subscriber := bus.NewSubscriber(eventBus, models.QueueDownload, podID, worker.Handle)
	subscriber.Start(ctx)
	slog.Info("Downloader started", "queue", models.QueueDownload)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	done := make(chan struct{})
	go func() {
		subscriber.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Subscriber stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Subscriber shutdown timeout exceeded")
	}

	slog.Info("Shutdown complete")
}
