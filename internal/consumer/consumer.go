// Package consumer drains the screening queue, extracts text from every
// listed image, and writes the accumulated lines once the sentinel arrives.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/detection"
	"github.com/tendant/detection-pipeline/internal/metrics"
	"github.com/tendant/detection-pipeline/internal/queue"
	"github.com/tendant/detection-pipeline/internal/sink"
	"github.com/tendant/detection-pipeline/internal/storage"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

const (
	DefaultBatchSize = 10
	DefaultWaitTime  = 5 * time.Second
	DefaultIdleDelay = 5 * time.Second
)

// ErrStopped is returned when the context ends before a sentinel is seen.
var ErrStopped = errors.New("consumer stopped before sentinel")

type Config struct {
	BatchSize int
	WaitTime  time.Duration
	IdleDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 || c.BatchSize > queue.MaxBatchSize {
		c.BatchSize = DefaultBatchSize
	}
	if c.WaitTime < 0 {
		c.WaitTime = 0
	}
	if c.IdleDelay < 0 {
		c.IdleDelay = 0
	}
}

// Result describes one consumer run.
type Result struct {
	// Artifact is where the lines were written; empty if the flush failed.
	Artifact     string
	Lines        []string
	Received     int
	Processed    int
	Failed       int
	Acked        int
	SentinelSeen bool
}

// stager is implemented by sources that keep local copies between polls.
type stager interface {
	Cleanup() error
}

type Consumer struct {
	cfg      Config
	queue    queue.Queue
	source   storage.Source
	detector detection.Client
	sink     sink.Sink
	clock    clock.Clock
	logger   *slog.Logger
}

func New(cfg Config, q queue.Queue, source storage.Source, detector detection.Client, out sink.Sink, clk clock.Clock, logger *slog.Logger) *Consumer {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:      cfg,
		queue:    q,
		source:   source,
		detector: detector,
		sink:     out,
		clock:    clk,
		logger:   logger,
	}
}

// Run polls until a sentinel is received, then flushes the accumulated
// lines and returns. Cancelling ctx stops the loop between poll cycles;
// messages already received are still processed and acknowledged.
func (c *Consumer) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	metrics.AccumulatedLines.Set(0)

	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped", "received", res.Received, "lines", len(res.Lines))
			return res, ErrStopped
		}

		c.cleanStaging()

		deliveries, err := c.queue.ReceiveBatch(ctx, c.cfg.BatchSize, c.cfg.WaitTime)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			metrics.ReceiveErrorTotal.Inc()
			c.logger.Error("failed to receive messages", "error", err)
			_ = c.clock.Sleep(ctx, c.cfg.IdleDelay)
			continue
		}
		if len(deliveries) == 0 {
			_ = c.clock.Sleep(ctx, c.cfg.IdleDelay)
			continue
		}

		metrics.ReceivedTotal.Add(float64(len(deliveries)))

		// Finish the cycle even if a stop arrives mid-batch.
		work := context.WithoutCancel(ctx)
		if c.handleBatch(work, deliveries, res) {
			return res, nil
		}
	}
}

// handleBatch processes deliveries in order and reports whether the
// sentinel was reached. Deliveries after the sentinel are left in flight.
func (c *Consumer) handleBatch(ctx context.Context, deliveries []queue.Delivery, res *Result) bool {
	for i, d := range deliveries {
		res.Received++

		if d.Body == pipeline.Sentinel {
			res.SentinelSeen = true
			c.flush(ctx, res)
			c.ack(ctx, d, res)
			if rest := len(deliveries) - i - 1; rest > 0 {
				c.logger.Warn("messages after sentinel left for redelivery", "count", rest)
			}
			return true
		}

		outcome, line := c.Process(ctx, d.Body)
		if outcome.Failed() {
			res.Failed++
			c.logger.Warn("processing failed",
				"image", d.Body,
				"outcome", outcome.Kind.String(),
				"receive_count", d.ReceiveCount,
				"error", outcome.Err)
		} else {
			res.Processed++
			res.Lines = append(res.Lines, line)
			metrics.AccumulatedLines.Set(float64(len(res.Lines)))
			c.logger.Info("processed", "image", d.Body, "line", line)
		}

		// Failed observations are dropped, never retried.
		c.ack(ctx, d, res)
	}
	return false
}

// Process fetches one image and builds its result line.
func (c *Consumer) Process(ctx context.Context, id string) (pipeline.Outcome, string) {
	start := time.Now()
	outcome, line := c.process(ctx, id)
	metrics.ProcessedTotal.WithLabelValues(outcome.Kind.String()).Inc()
	metrics.ProcessingDurationSeconds.WithLabelValues(outcome.Kind.String()).Observe(time.Since(start).Seconds())
	return outcome, line
}

func (c *Consumer) process(ctx context.Context, id string) (pipeline.Outcome, string) {
	if err := pipeline.ValidateImageID(id); err != nil {
		return pipeline.Outcome{Kind: pipeline.OutcomeProtocolViolation, Err: err}, ""
	}

	data, err := c.source.Fetch(ctx, id)
	if err != nil {
		return pipeline.Outcome{Kind: pipeline.OutcomeTransientIO, Err: err}, ""
	}

	spans, err := c.detector.ExtractText(ctx, data)
	if err != nil {
		return pipeline.Outcome{Kind: pipeline.OutcomeDetectionFailure, Err: err}, ""
	}

	texts := make([]string, 0, len(spans))
	for _, s := range spans {
		texts = append(texts, s.Text)
	}
	return pipeline.Outcome{Kind: pipeline.OutcomeSuccess}, pipeline.ResultLine(id, texts)
}

func (c *Consumer) ack(ctx context.Context, d queue.Delivery, res *Result) {
	if err := c.queue.Acknowledge(ctx, d.Receipt); err != nil {
		metrics.AckErrorTotal.Inc()
		c.logger.Error("failed to acknowledge", "image", d.Body, "receipt", d.Receipt, "error", err)
		return
	}
	metrics.AckTotal.Inc()
	res.Acked++
}

func (c *Consumer) flush(ctx context.Context, res *Result) {
	artifact, err := c.sink.Flush(ctx, res.Lines)
	if err != nil {
		c.logger.Error("failed to write results", "lines", len(res.Lines), "error", err)
		return
	}
	res.Artifact = artifact
	c.logger.Info("results flushed", "artifact", artifact, "lines", len(res.Lines))
}

func (c *Consumer) cleanStaging() {
	s, ok := c.source.(stager)
	if !ok {
		return
	}
	if err := s.Cleanup(); err != nil {
		metrics.StagingCleanupErrorTotal.Inc()
		c.logger.Warn("staging cleanup incomplete", "error", err)
	}
}
