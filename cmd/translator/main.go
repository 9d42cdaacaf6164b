// The subweaver translator consumes translation tasks, translates
// subtitles chunk by chunk through the LLM, and checkpoints progress
// after every chunk.
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
	"github.com/subweaver/subweaver/pkg/checkpoint"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/llm"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/models"
	"github.com/subweaver/subweaver/pkg/translator"
)

const serviceName = "translator"

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
	slog.Info("Starting translator", "pod_id", podID,
		"chunk_size", cfg.Translator.ChunkSize,
		"checkpoint_dir", cfg.Translator.CheckpointDir,
		"model", cfg.LLM.Model)

	if err := os.MkdirAll(cfg.Translator.CheckpointDir, 0o755); err != nil {
		slog.Error("Checkpoint directory not writable", "dir", cfg.Translator.CheckpointDir, "error", err)
		os.Exit(1)
	}

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
	llmClient := llm.NewHTTPClient(cfg.LLM)
	checkpoints := checkpoint.NewStore(cfg.Translator.CheckpointDir)

	worker := translator.New(store, llmClient, checkpoints, publisher, cfg.Translator)
	subscriber := bus.NewSubscriber(eventBus, models.QueueTranslation, podID, worker.Handle)
	subscriber.Start(ctx)
	slog.Info("Translator started", "queue", models.QueueTranslation)

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
	case <-time.After(60 * time.Second):
		slog.Warn("Subscriber shutdown timeout exceeded, checkpoint preserves progress")
	}

	slog.Info("Shutdown complete")
}
