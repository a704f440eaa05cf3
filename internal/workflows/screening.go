package workflows

import (
	"fmt"
	"log/slog"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/detection"
	"github.com/tendant/detection-pipeline/internal/producer"
	"github.com/tendant/detection-pipeline/internal/queue"
	"github.com/tendant/detection-pipeline/internal/storage"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

// MaxBatchCount bounds a single screening request.
const MaxBatchCount = 10000

// ScreeningWorkflow runs one producer batch per request.
type ScreeningWorkflow struct {
	queue    queue.Queue
	source   storage.Source
	detector detection.Client
	clock    clock.Clock
	// defaults supply the label, threshold, delay and group key a request leaves unset
	defaults producer.Config
	logger   *slog.Logger
}

// NewScreeningWorkflow creates a new screening workflow
func NewScreeningWorkflow(q queue.Queue, source storage.Source, detector detection.Client, clk clock.Clock, defaults producer.Config, logger *slog.Logger) *ScreeningWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScreeningWorkflow{
		queue:    q,
		source:   source,
		detector: detector,
		clock:    clk,
		defaults: defaults,
		logger:   logger,
	}
}

// Name returns the workflow name
func (w *ScreeningWorkflow) Name() string {
	return "screening_workflow"
}

// Validate checks a batch request before it is run or enqueued
func Validate(req pipeline.BatchRequest) error {
	if req.BatchID == "" {
		return fmt.Errorf("%w: batch_id is required", ErrInvalidRequest)
	}
	if req.Count <= 0 || req.Count > MaxBatchCount {
		return fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, MaxBatchCount)
	}
	if req.Threshold != nil && (*req.Threshold < 0 || *req.Threshold > 100) {
		return fmt.Errorf("%w: threshold must be within [0,100]", ErrInvalidRequest)
	}
	return nil
}

// Execute screens the requested batch and enqueues matches plus the sentinel
func (w *ScreeningWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	req := wctx.Request
	logger := w.logger.With("run_id", wctx.RunID, "batch_id", req.BatchID)

	if err := Validate(req); err != nil {
		logger.Warn("rejected screening request", "error", err)
		return &WorkflowResult{Success: false, Error: err.Error()}, err
	}

	cfg := w.defaults
	cfg.BatchID = req.BatchID
	cfg.Count = req.Count
	if req.TargetLabel != "" {
		cfg.TargetLabel = req.TargetLabel
	}
	if req.Threshold != nil {
		t := *req.Threshold
		cfg.Threshold = &t
	}

	logger.Info("screening workflow started", "count", cfg.Count)
	report, err := producer.New(cfg, w.queue, w.source, w.detector, w.clock, logger).Run(wctx.Ctx)
	if err != nil {
		logger.Error("screening workflow failed", "error", err)
		return &WorkflowResult{
			Success: false,
			Error:   err.Error(),
			Report:  report,
		}, fmt.Errorf("%w: %v", ErrStepFailed, err)
	}

	logger.Info("screening workflow completed", "enqueued", report.Enqueued)
	return &WorkflowResult{Success: true, Report: report}, nil
}
