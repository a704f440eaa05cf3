package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tendant/detection-pipeline/internal/config"
	"github.com/tendant/detection-pipeline/internal/handlers"
	"github.com/tendant/detection-pipeline/internal/logging"
	"github.com/tendant/detection-pipeline/internal/metrics"
	"github.com/tendant/detection-pipeline/pkg/runner"
)

// pipeline-worker executes screening runs from the DBOS queue and serves
// the batch trigger API.
func main() {
	cfg := config.Load()
	logger := logging.Setup("pipeline-worker", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DBOSDatabaseURL == "" {
		logger.Error("DBOS_SYSTEM_DATABASE_URL is required")
		os.Exit(1)
	}
	metrics.Register()

	r, err := runner.New(context.Background(), runner.ConfigFromEnv(cfg), cfg, logger)
	if err != nil {
		logger.Error("failed to start runner", "error", err)
		os.Exit(1)
	}
	defer r.Shutdown(10)

	logger.Info("DBOS runtime initialized",
		"queue", cfg.DBOSQueueName,
		"concurrency", cfg.DBOSConcurrency,
		"image_queue", cfg.QueueName,
		"queue_driver", cfg.QueueDriver)

	gin.SetMode(gin.ReleaseMode)
	asyncHandler := handlers.NewAsyncHandler(r, r.Submissions(), logger)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handlers.NewRouter(asyncHandler),
	}

	// Start server in goroutine
	go func() {
		logger.Info("pipeline worker starting", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}
