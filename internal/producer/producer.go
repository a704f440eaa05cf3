// Package producer screens a fixed batch of images and enqueues the ones
// carrying the target label, followed by the end-of-batch sentinel.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/detection"
	"github.com/tendant/detection-pipeline/internal/metrics"
	"github.com/tendant/detection-pipeline/internal/queue"
	"github.com/tendant/detection-pipeline/internal/storage"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

const (
	DefaultTargetLabel = "Car"
	DefaultThreshold   = 90.0
	DefaultDelay       = 2 * time.Second
)

// ErrSentinelNotEnqueued is returned when the batch could not be terminated.
var ErrSentinelNotEnqueued = errors.New("sentinel not enqueued")

// Config describes one screening batch.
type Config struct {
	BatchID     string
	Count       int
	TargetLabel string
	// Threshold is a percentage; a label must strictly exceed it. Nil means
	// DefaultThreshold; zero is a valid threshold.
	Threshold *float64
	// Delay is applied after every image.
	Delay    time.Duration
	GroupKey string
}

func (c *Config) withDefaults() {
	if c.TargetLabel == "" {
		c.TargetLabel = DefaultTargetLabel
	}
	if c.Threshold == nil {
		t := DefaultThreshold
		c.Threshold = &t
	}
	if c.GroupKey == "" {
		c.GroupKey = pipeline.DefaultGroupKey
	}
}

type Producer struct {
	cfg       Config
	threshold float64
	queue     queue.Queue
	source    storage.Source
	detector  detection.Client
	clock     clock.Clock
	logger    *slog.Logger
}

func New(cfg Config, q queue.Queue, source storage.Source, detector detection.Client, clk clock.Clock, logger *slog.Logger) *Producer {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		cfg:       cfg,
		threshold: *cfg.Threshold,
		queue:     q,
		source:    source,
		detector:  detector,
		clock:     clk,
		logger:    logger.With("batch_id", cfg.BatchID),
	}
}

// Run screens images 1..Count in order and always finishes by enqueueing
// the sentinel. Per-image failures count as no match. The only error
// returned is a failure to enqueue the sentinel.
func (p *Producer) Run(ctx context.Context) (*pipeline.BatchReport, error) {
	report := &pipeline.BatchReport{BatchID: p.cfg.BatchID}
	p.logger.Info("screening batch started", "count", p.cfg.Count, "target_label", p.cfg.TargetLabel, "threshold", p.threshold)

	// Only the delays observe cancellation; every image is still screened.
	work := context.WithoutCancel(ctx)

	for _, id := range pipeline.ImageIDs(p.cfg.Count) {
		outcome := p.Screen(work, id)
		p.cleanStaging()
		report.Screened++
		metrics.ImagesScreenedTotal.WithLabelValues(outcome.Kind.String()).Inc()

		switch {
		case outcome.Failed():
			report.Failed++
			p.logger.Warn("screening failed, treating as no match", "image", id, "outcome", outcome.Kind.String(), "error", outcome.Err)
		case outcome.Kind == pipeline.OutcomeSuccess:
			report.Matched++
			if p.enqueue(work, id, "image") {
				report.Enqueued++
			}
		default:
			p.logger.Debug("no match", "image", id)
		}

		// An interrupted delay only shortens the wait.
		_ = p.clock.Sleep(ctx, p.cfg.Delay)
	}

	if !p.enqueue(work, pipeline.Sentinel, "sentinel") {
		return report, fmt.Errorf("%w: batch %s", ErrSentinelNotEnqueued, p.cfg.BatchID)
	}
	report.SentinelEnqueued = true

	p.logger.Info("screening batch finished",
		"screened", report.Screened,
		"matched", report.Matched,
		"enqueued", report.Enqueued,
		"failed", report.Failed)
	return report, nil
}

// Screen fetches and classifies one image.
func (p *Producer) Screen(ctx context.Context, id string) pipeline.Outcome {
	data, err := p.source.Fetch(ctx, id)
	if err != nil {
		return pipeline.Outcome{Kind: pipeline.OutcomeTransientIO, Err: err}
	}

	labels, err := p.detector.Classify(ctx, data)
	if err != nil {
		return pipeline.Outcome{Kind: pipeline.OutcomeDetectionFailure, Err: err}
	}

	if Matches(labels, p.cfg.TargetLabel, p.threshold) {
		return pipeline.Outcome{Kind: pipeline.OutcomeSuccess}
	}
	return pipeline.Outcome{Kind: pipeline.OutcomeNoMatch}
}

// Matches reports whether any label equals target, ignoring case, with a
// confidence strictly above threshold. Scanning stops at the first match.
func Matches(labels []pipeline.Detection, target string, threshold float64) bool {
	for _, label := range labels {
		if strings.EqualFold(label.Text, target) && label.Confidence > threshold {
			return true
		}
	}
	return false
}

func (p *Producer) enqueue(ctx context.Context, body, kind string) bool {
	err := p.queue.Enqueue(ctx, queue.Message{
		Body:     body,
		GroupKey: p.cfg.GroupKey,
		DedupKey: body,
	})
	if err != nil {
		metrics.EnqueueErrorTotal.Inc()
		p.logger.Error("failed to enqueue", "image", body, "kind", kind, "error", err)
		return false
	}
	metrics.MessagesEnqueuedTotal.WithLabelValues(kind).Inc()
	p.logger.Info("enqueued", "image", body, "kind", kind)
	return true
}

// cleanStaging drops the staged copy of the image just screened.
func (p *Producer) cleanStaging() {
	st, ok := p.source.(interface{ Cleanup() error })
	if !ok {
		return
	}
	if err := st.Cleanup(); err != nil {
		metrics.StagingCleanupErrorTotal.Inc()
		p.logger.Warn("failed to clean staging directory", "error", err)
	}
}
