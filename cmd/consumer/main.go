// The subweaver consumer shadows the full event stream and projects it
// onto job records and event logs.
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
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/consumer"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/metrics"
)

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
	slog.Info("Starting consumer", "pod_id", podID, "queue", consumer.QueueName)

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

	projector := consumer.New(store)
	if err := projector.Bind(ctx, eventBus); err != nil {
		slog.Warn("Queue binding failed, subscriber will retry", "error", err)
	}
	subscriber := bus.NewSubscriber(eventBus, consumer.QueueName, podID, projector.Handle)
	subscriber.Start(ctx)
	slog.Info("Consumer started", "bindings", consumer.BindPatterns)

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
