package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/tendant/detection-pipeline/internal/bootstrap"
	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/config"
	"github.com/tendant/detection-pipeline/internal/logging"
	"github.com/tendant/detection-pipeline/internal/metrics"
	"github.com/tendant/detection-pipeline/internal/producer"
	"github.com/tendant/detection-pipeline/internal/queue"
	"github.com/tendant/detection-pipeline/pkg/runner"
)

// screen-producer screens one batch of images, enqueues the matches and the
// end-of-batch sentinel, then exits. With DBOS_SYSTEM_DATABASE_URL set the
// batch is handed to a pipeline-worker instead of being screened here.
func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := logging.Setup("screen-producer", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	metrics.Register()

	if cfg.BatchID == "" {
		cfg.BatchID = uuid.New().String()
	}

	// A signal shortens the remaining delays; the sentinel is still sent.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DBOSDatabaseURL != "" {
		client, err := runner.NewClient(ctx, runner.ConfigFromEnv(cfg), logger)
		if err != nil {
			logger.Error("failed to create DBOS client", "error", err)
			return 1
		}
		defer client.Shutdown(5)

		runID, err := client.RunBatch(ctx, cfg.BatchID, cfg.ImageCount)
		if err != nil {
			logger.Error("failed to enqueue batch", "batch_id", cfg.BatchID, "error", err)
			return 1
		}
		logger.Info("batch enqueued for workers", "batch_id", cfg.BatchID, "run_id", runID)
		return 0
	}

	if cfg.QueueDriver == queue.DriverMemory {
		logger.Warn("memory queue is process-local; no consumer in another process will see these messages")
	}

	q, closeQueue, err := bootstrap.OpenQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open queue", "error", err)
		return 1
	}
	defer closeQueue()

	source, closeSource, err := bootstrap.OpenSource(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open image source", "error", err)
		return 1
	}
	defer closeSource()

	detector, closeDetector, err := bootstrap.OpenDetector(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open detector", "error", err)
		return 1
	}
	defer closeDetector()

	p := producer.New(bootstrap.ProducerConfig(cfg), q, source, detector, clock.Real{}, logger)
	if _, err := p.Run(ctx); err != nil {
		logger.Error("batch did not complete", "error", err)
		return 1
	}
	return 0
}
