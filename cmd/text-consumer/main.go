package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tendant/detection-pipeline/internal/bootstrap"
	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/config"
	"github.com/tendant/detection-pipeline/internal/consumer"
	"github.com/tendant/detection-pipeline/internal/handlers"
	"github.com/tendant/detection-pipeline/internal/logging"
	"github.com/tendant/detection-pipeline/internal/metrics"
)

// text-consumer polls the queue, extracts text from each referenced image
// and writes the accumulated lines once the sentinel arrives.
func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := logging.Setup("text-consumer", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	metrics.Register()

	// SIGINT/SIGTERM stop the loop after the current poll cycle.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handlers.NewRouter(nil),
	}
	go func() {
		logger.Info("serving health and metrics", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	c := consumer.New(bootstrap.ConsumerConfig(cfg), q, source, detector, out, clock.Real{}, logger)
	res, err := c.Run(ctx)
	if errors.Is(err, consumer.ErrStopped) {
		logger.Info("stopped before end of batch", "processed", res.Processed, "lines", len(res.Lines))
		return 0
	}
	if err != nil {
		logger.Error("consumer failed", "error", err)
		return 1
	}

	logger.Info("batch complete",
		"artifact", res.Artifact,
		"lines", len(res.Lines),
		"processed", res.Processed,
		"failed", res.Failed)
	return 0
}
