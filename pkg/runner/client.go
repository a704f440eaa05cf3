package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/detection-pipeline/internal/dbosruntime"
	"github.com/tendant/detection-pipeline/internal/workflows"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

// Client provides a client-only API for starting workflows without executing them
// Use this in applications that want to enqueue workflows for workers to execute
type Client struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
}

// NewClient creates a client that can start workflows but doesn't execute them
// Workers must be running separately to execute the enqueued workflows
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	// Create DBOS runtime
	dbosRuntime, err := dbosruntime.NewRuntime(ctx, dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		QueueName:          cfg.QueueName,
		Concurrency:        0, // Client mode: don't process workflows
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	// Create workflow runner (for enqueueing only, no registration)
	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime, logger)

	// Launch DBOS (no workflows registered, client mode)
	if err := dbosRuntime.Launch(); err != nil {
		dbosRuntime.Shutdown(0)
		return nil, err
	}

	return &Client{
		runtime: dbosRuntime,
		runner:  workflowRunner,
	}, nil
}

// RunBatch enqueues a screening run for workers to execute
func (c *Client) RunBatch(ctx context.Context, batchID string, count int) (string, error) {
	req := pipeline.BatchRequest{
		BatchID: batchID,
		Job:     pipeline.JobScreening,
		Count:   count,
	}
	if err := workflows.Validate(req); err != nil {
		return "", err
	}
	return c.runner.Enqueue(ctx, req)
}

// RunByName enqueues a screening run under a workflow name registered by a
// worker outside this module
func (c *Client) RunByName(ctx context.Context, workflowName string, req pipeline.BatchRequest) (string, error) {
	if req.Job == "" {
		req.Job = pipeline.JobScreening
	}
	if err := workflows.Validate(req); err != nil {
		return "", err
	}
	return c.runtime.EnqueueWorkflowByName(ctx, workflowName, workflows.WorkflowID(req), req)
}

// GetStatus reports the state of a run
func (c *Client) GetStatus(ctx context.Context, runID string) (*workflows.WorkflowStatus, error) {
	return c.runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the client
func (c *Client) Shutdown(timeoutSeconds int) {
	if c.runtime != nil {
		c.runtime.Shutdown(time.Duration(timeoutSeconds) * time.Second)
	}
}
