// Package bootstrap turns a config.Config into the collaborators the
// pipeline stages need. Every constructor returns a close function that
// is safe to call once the caller is done.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	gcs "cloud.google.com/go/storage"
	vision "cloud.google.com/go/vision/v2/apiv1"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"
	"google.golang.org/api/option"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/config"
	"github.com/tendant/detection-pipeline/internal/consumer"
	"github.com/tendant/detection-pipeline/internal/dedupe"
	"github.com/tendant/detection-pipeline/internal/detection"
	"github.com/tendant/detection-pipeline/internal/producer"
	"github.com/tendant/detection-pipeline/internal/queue"
	"github.com/tendant/detection-pipeline/internal/sink"
	"github.com/tendant/detection-pipeline/internal/storage"
)

func noop() {}

// QueueConfig extracts the driver-independent queue settings.
func QueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DedupWindow:       cfg.DedupWindow,
		PollInterval:      cfg.PollInterval,
	}
}

// ProducerConfig builds the screening settings for one batch.
func ProducerConfig(cfg *config.Config) producer.Config {
	threshold := cfg.Threshold
	return producer.Config{
		BatchID:     cfg.BatchID,
		Count:       cfg.ImageCount,
		TargetLabel: cfg.TargetLabel,
		Threshold:   &threshold,
		Delay:       cfg.ScreenDelay,
		GroupKey:    cfg.GroupKey,
	}
}

// ConsumerConfig builds the polling settings for the extraction loop.
func ConsumerConfig(cfg *config.Config) consumer.Config {
	return consumer.Config{
		BatchSize: cfg.BatchSize,
		WaitTime:  cfg.WaitTime,
		IdleDelay: cfg.IdleDelay,
	}
}

// OpenQueue connects the configured queue driver.
func OpenQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, func(), error) {
	qcfg := QueueConfig(cfg)

	switch cfg.QueueDriver {
	case queue.DriverMemory:
		q := queue.NewMemory(qcfg, clock.Real{}, logger)
		return q, func() { q.Close() }, nil

	case queue.DriverPostgres:
		db, err := openDB(ctx, cfg.QueueDatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		tracker, err := dedupe.NewTracker(db, logger)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		q, err := queue.NewPostgres(db, qcfg, tracker, logger)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		return q, func() { q.Close(); db.Close() }, nil

	case queue.DriverRabbitMQ:
		// The broker has no dedup of its own; share a Postgres ledger when
		// one is configured so separate producer processes agree.
		var window dedupe.Window = dedupe.NewMemory(clock.Real{})
		closeDB := noop
		if cfg.QueueDatabaseURL != "" {
			db, err := openDB(ctx, cfg.QueueDatabaseURL)
			if err != nil {
				return nil, noop, err
			}
			tracker, err := dedupe.NewTracker(db, logger)
			if err != nil {
				db.Close()
				return nil, noop, err
			}
			window = tracker
			closeDB = func() { db.Close() }
		}
		q, err := queue.NewRabbitMQ(cfg.AMQPURL, cfg.AMQPExchange, qcfg, window, logger)
		if err != nil {
			closeDB()
			return nil, noop, err
		}
		return q, func() { q.Close(); closeDB() }, nil
	}

	return nil, noop, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// OpenSource builds the staged image source over the configured reader.
func OpenSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.StagedSource, func(), error) {
	var (
		reader  storage.Reader
		closeFn = noop
	)

	switch cfg.SourceKind {
	case config.SourceFilesystem:
		fs, err := storage.NewFilesystemStorage(cfg.ImageDir)
		if err != nil {
			return nil, noop, err
		}
		reader = fs
	case config.SourceHTTP:
		reader = storage.NewHTTPReader(cfg.ImageBaseURL, cfg.ReadTimeout)
	case config.SourceGCS:
		var opts []option.ClientOption
		if cfg.GCSAnonymous {
			opts = append(opts, option.WithoutAuthentication())
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create GCS client: %w", err)
		}
		reader = storage.NewGCSReader(client, cfg.ImageBucket, cfg.ImagePrefix)
		closeFn = func() { client.Close() }
	default:
		return nil, noop, fmt.Errorf("unknown image source %q", cfg.SourceKind)
	}

	src, err := storage.NewStagedSource(reader, cfg.StagingDir, cfg.MaxDimension, logger)
	if err != nil {
		closeFn()
		return nil, noop, err
	}
	return src, closeFn, nil
}

// OpenDetector returns the Cloud Vision client, or the stub for local runs.
func OpenDetector(ctx context.Context, cfg *config.Config, logger *slog.Logger) (detection.Client, func(), error) {
	if cfg.Detector == config.DetectorStub {
		logger.Warn("using stub detector; results are synthetic")
		return detection.NewStub(cfg.TargetLabel), noop, nil
	}

	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create vision client: %w", err)
	}
	v := detection.NewVision(client, detection.VisionConfig{
		MaxLabels:     cfg.VisionMaxLabels,
		MinConfidence: cfg.VisionMinConfidence,
		Retries:       uint64(cfg.VisionRetries),
		RetryBackoff:  cfg.VisionRetryBackoff,
	}, logger)
	return v, func() { client.Close() }, nil
}

// OpenSink returns the file sink, mirrored to GCS when RESULTS_BUCKET is set
// and to a simple-content store when RESULTS_CONTENT_DIR is set.
func OpenSink(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (sink.Sink, func(), error) {
	fileSink, err := sink.NewFileSink(cfg.OutputDir, clk, logger)
	if err != nil {
		return nil, noop, err
	}

	var (
		mirrors []sink.Sink
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.ResultsBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create GCS client: %w", err)
		}
		closers = append(closers, func() { client.Close() })
		mirrors = append(mirrors, sink.NewGCSSink(client, cfg.ResultsBucket, cfg.ResultsPrefix, clk))
	}

	if cfg.ResultsContentDir != "" {
		svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(cfg.ResultsContentDir))
		if err != nil {
			closeAll()
			return nil, noop, fmt.Errorf("failed to initialize simple-content service: %w", err)
		}
		closers = append(closers, cleanup)
		mirrors = append(mirrors, sink.NewContentSink(svc,
			uuid.MustParse(cfg.ResultsContentOwner),
			uuid.MustParse(cfg.ResultsContentTenant),
			clk))
	}

	if len(mirrors) == 0 {
		return fileSink, noop, nil
	}
	return sink.NewTee(logger, fileSink, mirrors...), closeAll, nil
}
