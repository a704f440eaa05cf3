// Package runner embeds the screening pipeline behind DBOS durable workflows.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/detection-pipeline/internal/bootstrap"
	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/config"
	"github.com/tendant/detection-pipeline/internal/dbosruntime"
	"github.com/tendant/detection-pipeline/internal/dedupe"
	"github.com/tendant/detection-pipeline/internal/workflows"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

// Config holds the configuration for initializing the pipeline runner
type Config struct {
	DatabaseURL        string // DBOS PostgreSQL connection string
	AppName            string // Application name for DBOS
	QueueName          string // DBOS queue name
	Concurrency        int    // Number of concurrent workers
	ApplicationVersion string // Optional: Override binary hash for version matching
}

// ConfigFromEnv extracts the DBOS settings from the loaded configuration
func ConfigFromEnv(cfg *config.Config) Config {
	return Config{
		DatabaseURL:        cfg.DBOSDatabaseURL,
		AppName:            cfg.DBOSAppName,
		QueueName:          cfg.DBOSQueueName,
		Concurrency:        cfg.DBOSConcurrency,
		ApplicationVersion: cfg.DBOSAppVersion,
	}
}

// Runner provides a high-level API for running screening workflows via DBOS
type Runner struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
	tracker *dedupe.Tracker
	closers []func()
	logger  *slog.Logger
}

// New creates and initializes a new pipeline runner with DBOS integration.
// The queue, image source and detector are built from appCfg.
func New(ctx context.Context, cfg Config, appCfg *config.Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Create DBOS runtime
	dbosRuntime, err := dbosruntime.NewRuntime(ctx, dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		QueueName:          cfg.QueueName,
		Concurrency:        cfg.Concurrency,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	r := &Runner{
		runtime: dbosRuntime,
		runner:  workflows.NewWorkflowRunner(dbosRuntime, logger),
		logger:  logger,
	}

	q, closeQueue, err := bootstrap.OpenQueue(ctx, appCfg, logger)
	if err != nil {
		r.Shutdown(5)
		return nil, err
	}
	r.closers = append(r.closers, closeQueue)

	source, closeSource, err := bootstrap.OpenSource(ctx, appCfg, logger)
	if err != nil {
		r.Shutdown(5)
		return nil, err
	}
	r.closers = append(r.closers, closeSource)

	detector, closeDetector, err := bootstrap.OpenDetector(ctx, appCfg, logger)
	if err != nil {
		r.Shutdown(5)
		return nil, err
	}
	r.closers = append(r.closers, closeDetector)

	// Submissions are counted in the DBOS database
	r.tracker, err = dedupe.NewTracker(dbosRuntime.DB(), logger)
	if err != nil {
		r.Shutdown(5)
		return nil, err
	}

	screening := workflows.NewScreeningWorkflow(q, source, detector, clock.Real{}, bootstrap.ProducerConfig(appCfg), logger)
	r.runner.Register(pipeline.JobScreening, screening)

	// Launch DBOS (must be after workflow registration)
	if err := dbosRuntime.Launch(); err != nil {
		r.Shutdown(5)
		return nil, err
	}

	return r, nil
}

// RunBatch enqueues a screening run for count images and returns its run ID
func (r *Runner) RunBatch(ctx context.Context, batchID string, count int) (string, error) {
	return r.RunAsync(ctx, pipeline.BatchRequest{
		BatchID: batchID,
		Job:     pipeline.JobScreening,
		Count:   count,
	})
}

// RunAsync validates and enqueues a batch request
func (r *Runner) RunAsync(ctx context.Context, req pipeline.BatchRequest) (string, error) {
	if req.Job == "" {
		req.Job = pipeline.JobScreening
	}
	if err := workflows.Validate(req); err != nil {
		return "", err
	}
	return r.runner.RunAsync(ctx, req)
}

// GetStatus reports the state of a screening run
func (r *Runner) GetStatus(ctx context.Context, runID string) (*workflows.WorkflowStatus, error) {
	return r.runner.GetStatus(ctx, runID)
}

// Submissions returns the ledger counting batch submissions
func (r *Runner) Submissions() *dedupe.Tracker {
	return r.tracker
}

// Shutdown gracefully shuts down the pipeline runner
func (r *Runner) Shutdown(timeoutSeconds int) {
	if r.runtime != nil {
		if err := r.runtime.Shutdown(time.Duration(timeoutSeconds) * time.Second); err != nil {
			r.logger.Warn("DBOS shutdown error", "error", err)
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
