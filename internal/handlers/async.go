package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tendant/detection-pipeline/internal/workflows"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

// dedupeScope is the ledger scope used for batch submissions.
const dedupeScope = "batch_submissions"

// BatchStarter enqueues screening runs and reports on them
type BatchStarter interface {
	RunAsync(ctx context.Context, req pipeline.BatchRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*workflows.WorkflowStatus, error)
}

// SubmissionRecorder counts how often a batch ID has been submitted
type SubmissionRecorder interface {
	Record(ctx context.Context, scope, key string) (int, error)
}

// AsyncHandler handles asynchronous batch requests
type AsyncHandler struct {
	starter  BatchStarter
	recorder SubmissionRecorder
	logger   *slog.Logger
}

// NewAsyncHandler creates a new async handler. recorder may be nil.
func NewAsyncHandler(starter BatchStarter, recorder SubmissionRecorder, logger *slog.Logger) *AsyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncHandler{
		starter:  starter,
		recorder: recorder,
		logger:   logger,
	}
}

// HandleStartBatch handles POST /v1/batches - enqueues a screening run and returns immediately
func (h *AsyncHandler) HandleStartBatch(c *gin.Context) {
	var req pipeline.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if req.Job == "" {
		req.Job = pipeline.JobScreening
	}
	if req.BatchID == "" {
		req.BatchID = uuid.New().String()
	}
	if err := workflows.Validate(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seen := 0
	if h.recorder != nil {
		n, err := h.recorder.Record(c.Request.Context(), dedupeScope, req.BatchID)
		if err != nil {
			// The ledger is informational; do not reject the run.
			h.logger.Warn("failed to record batch submission", "batch_id", req.BatchID, "error", err)
		} else {
			seen = n
		}
	}

	h.logger.Info("enqueueing batch", "batch_id", req.BatchID, "job", req.Job, "count", req.Count)

	runID, err := h.starter.RunAsync(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("failed to enqueue batch", "batch_id", req.BatchID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, workflows.ErrWorkflowNotFound) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": "failed to enqueue batch: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, pipeline.BatchResponse{
		RunID:           runID,
		DedupeSeenCount: seen,
	})
}

// HandleStatus handles GET /v1/batches/:id - returns workflow status
func (h *AsyncHandler) HandleStatus(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run id is required"})
		return
	}

	status, err := h.starter.GetStatus(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, workflows.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		h.logger.Error("failed to get workflow status", "run_id", runID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get workflow status"})
		return
	}

	c.JSON(http.StatusOK, status)
}
