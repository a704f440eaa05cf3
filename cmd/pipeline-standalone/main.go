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
	"github.com/tendant/detection-pipeline/internal/consumer"
	"github.com/tendant/detection-pipeline/internal/logging"
	"github.com/tendant/detection-pipeline/internal/metrics"
	"github.com/tendant/detection-pipeline/internal/producer"
	"github.com/tendant/detection-pipeline/internal/queue"
)

// Standalone pipeline for quick testing.
// Runs the producer and then the consumer in one process over the memory
// queue. No broker or database needed; set DETECTOR=stub to skip Cloud Vision.
func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	cfg.QueueDriver = queue.DriverMemory
	logger := logging.Setup("pipeline-standalone", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	metrics.Register()

	if cfg.BatchID == "" {
		cfg.BatchID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("pipeline standalone",
		"image_source", cfg.SourceKind,
		"detector", cfg.Detector,
		"count", cfg.ImageCount,
		"output_dir", cfg.OutputDir)

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

	out, closeSink, err := bootstrap.OpenSink(ctx, cfg, clock.Real{}, logger)
	if err != nil {
		logger.Error("failed to open result sink", "error", err)
		return 1
	}
	defer closeSink()

	report, err := producer.New(bootstrap.ProducerConfig(cfg), q, source, detector, clock.Real{}, logger).Run(ctx)
	if err != nil {
		logger.Error("screening failed", "error", err)
		return 1
	}
	logger.Info("screening done", "matched", report.Matched, "enqueued", report.Enqueued)

	// The queue already holds the sentinel, so the consumer finishes even
	// after a signal; the cycle in progress completes first.
	res, err := consumer.New(bootstrap.ConsumerConfig(cfg), q, source, detector, out, clock.Real{}, logger).
		Run(context.WithoutCancel(ctx))
	if err != nil {
		logger.Error("extraction failed", "error", err)
		return 1
	}

	logger.Info("pipeline complete", "artifact", res.Artifact, "lines", len(res.Lines))
	return 0
}
