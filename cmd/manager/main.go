// The subweaver manager hosts the HTTP API, validates subtitle requests,
// and dispatches download and translation tasks.
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

	"github.com/subweaver/subweaver/pkg/api"
	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/dedup"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/manager"
	"github.com/subweaver/subweaver/pkg/metrics"
)

const serviceName = "manager"

// resolvePodID determines the consumer identity for the queue's
// consumer group. Priority: POD_ID env > HOSTNAME env > "local".
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
	slog.Info("Starting manager", "http_port", cfg.HTTP.Port, "pod_id", podID)

	ctx := context.Background()
	metrics.Register(prometheus.DefaultRegisterer)

	// Shared Redis client: bus, job store and dedup tokens all live on
	// the same instance.
	rdb := bus.NewRedisClient(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The HTTP surface still comes up; the subscriber loop keeps
		// retrying in the background.
		slog.Warn("Redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	eventBus := bus.New(rdb, cfg.Bus)
	store := jobstore.New(rdb, cfg.Store)
	dedupSvc := dedup.New(rdb, cfg.Dedup)
	publisher := events.NewPublisher(eventBus, serviceName)
	svc := manager.New(store, dedupSvc, publisher)

	if err := svc.Bind(ctx, eventBus); err != nil {
		slog.Warn("Queue binding failed, subscriber will retry", "error", err)
	}
	subscriber := bus.NewSubscriber(eventBus, manager.QueueName, podID, svc.HandleRequested)
	subscriber.Start(ctx)

	server := api.NewServer(cfg.HTTP, store, eventBus, svc, subscriber)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: server.Router(),
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

	// Stop the subscriber first so the in-flight message finishes, then
	// the HTTP server with its own timeout budget.
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

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
