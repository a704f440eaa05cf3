package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/tendant/detection-pipeline/internal/dbosruntime"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request pipeline.BatchRequest
	RunID   string
}

// WorkflowResult contains the result of workflow execution
type WorkflowResult struct {
	Success bool                  `json:"success"`
	Error   string                `json:"error,omitempty"`
	Report  *pipeline.BatchReport `json:"report,omitempty"`
}

// Workflow defines the interface for processing workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// WorkflowRunner executes workflows
type WorkflowRunner struct {
	workflows   map[string]Workflow
	dbosRuntime *dbosruntime.Runtime
	logger      *slog.Logger
}

// NewWorkflowRunner creates a new workflow runner. dbosRuntime may be nil,
// in which case only synchronous Run is available.
func NewWorkflowRunner(dbosRuntime *dbosruntime.Runtime, logger *slog.Logger) *WorkflowRunner {
	if logger == nil {
		logger = slog.Default()
	}
	runner := &WorkflowRunner{
		workflows:   make(map[string]Workflow),
		dbosRuntime: dbosRuntime,
		logger:      logger,
	}

	// Register the DBOS workflow function
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Register registers a workflow
func (r *WorkflowRunner) Register(job string, workflow Workflow) {
	r.workflows[job] = workflow
}

// WorkflowID is deterministic per batch so resubmitting a batch attaches to
// the existing run instead of screening twice.
func WorkflowID(req pipeline.BatchRequest) string {
	return fmt.Sprintf("%s-%s", req.Job, req.BatchID)
}

// Run executes a workflow for the given job type synchronously
func (r *WorkflowRunner) Run(wctx *WorkflowContext) (*WorkflowResult, error) {
	workflow, ok := r.workflows[wctx.Request.Job]
	if !ok {
		return &WorkflowResult{
			Success: false,
			Error:   ErrWorkflowNotFound.Error(),
		}, ErrWorkflowNotFound
	}

	return workflow.Execute(wctx)
}

// RunAsync enqueues a workflow for async execution via DBOS
func (r *WorkflowRunner) RunAsync(ctx context.Context, req pipeline.BatchRequest) (string, error) {
	if r.dbosRuntime == nil {
		return "", ErrNoRuntime
	}
	if _, ok := r.workflows[req.Job]; !ok {
		return "", fmt.Errorf("%w: job %q", ErrWorkflowNotFound, req.Job)
	}
	return r.Enqueue(ctx, req)
}

// Enqueue places the request on the DBOS queue without checking local
// registrations. Client-mode runners use it to hand work to remote workers.
func (r *WorkflowRunner) Enqueue(ctx context.Context, req pipeline.BatchRequest) (string, error) {
	if r.dbosRuntime == nil {
		return "", ErrNoRuntime
	}

	handle, err := dbos.RunWorkflow[pipeline.BatchRequest, *WorkflowResult](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		req,
		dbos.WithWorkflowID(WorkflowID(req)),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return "", err
	}

	r.logger.Info("workflow enqueued", "run_id", handle.GetWorkflowID(), "batch_id", req.BatchID, "job", req.Job)
	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function that wraps registered workflows
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, req pipeline.BatchRequest) (*WorkflowResult, error) {
	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return &WorkflowResult{Success: false, Error: err.Error()}, err
	}

	// DBOSContext implements context.Context
	return r.Run(&WorkflowContext{
		Ctx:     dbosCtx,
		Request: req,
		RunID:   workflowID,
	})
}

// WorkflowStatus represents the status of a workflow execution
type WorkflowStatus struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"` // "pending", "running", "succeeded", "failed"
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// GetStatus retrieves the status of a workflow execution from DBOS
func (r *WorkflowRunner) GetStatus(ctx context.Context, runID string) (*WorkflowStatus, error) {
	if r.dbosRuntime == nil {
		return nil, ErrNoRuntime
	}

	info, err := r.dbosRuntime.GetWorkflowStatus(ctx, runID)
	if errors.Is(err, dbosruntime.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	return &WorkflowStatus{
		RunID:     info.WorkflowUUID,
		State:     StateFromDBOS(info.Status),
		Name:      info.Name,
		CreatedAt: time.UnixMilli(info.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(info.UpdatedAt).UTC(),
		Error:     info.Error,
	}, nil
}

// StateFromDBOS maps a dbos.workflow_status status to the API state.
func StateFromDBOS(status string) string {
	switch strings.ToUpper(status) {
	case "ENQUEUED":
		return "pending"
	case "PENDING":
		return "running"
	case "SUCCESS":
		return "succeeded"
	case "ERROR", "RETRIES_EXCEEDED", "MAX_RECOVERY_ATTEMPTS_EXCEEDED":
		return "failed"
	case "CANCELLED":
		return "cancelled"
	default:
		return strings.ToLower(status)
	}
}
