package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the pipeline binaries
type Config struct {
	// Logging
	LogLevel string

	// Queue configuration
	QueueDriver       string
	QueueName         string
	GroupKey          string
	QueueDatabaseURL  string
	AMQPURL           string
	AMQPExchange      string
	BatchSize         int
	WaitTime          time.Duration
	IdleDelay         time.Duration
	VisibilityTimeout time.Duration
	DedupWindow       time.Duration
	PollInterval      time.Duration

	// Producer batch
	BatchID     string
	ImageCount  int
	TargetLabel string
	Threshold   float64
	ScreenDelay time.Duration

	// Image source
	SourceKind   string
	ImageDir     string
	ImageBaseURL string
	ImageBucket  string
	ImagePrefix  string
	StagingDir   string
	MaxDimension int
	GCSAnonymous bool
	ReadTimeout  time.Duration

	// Detection
	Detector            string
	VisionMaxLabels     int
	VisionMinConfidence float64
	VisionRetries       int
	VisionRetryBackoff  time.Duration

	// Results
	OutputDir     string
	ResultsBucket string
	ResultsPrefix string

	// ResultsContentDir enables the simple-content mirror backed by this directory
	ResultsContentDir    string
	ResultsContentOwner  string
	ResultsContentTenant string

	// Server configuration
	HTTPAddr string

	// DBOS configuration
	DBOSDatabaseURL string
	DBOSAppName     string
	DBOSAppVersion  string
	DBOSQueueName   string
	DBOSConcurrency int
}

const (
	SourceFilesystem = "filesystem"
	SourceHTTP       = "http"
	SourceGCS        = "gcs"

	DetectorVision = "vision"
	DetectorStub   = "stub"
)

// Load reads .env if present, then the process environment.
func Load() *Config {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		QueueDriver:       getEnv("QUEUE_DRIVER", "memory"),
		QueueName:         getEnv("QUEUE_NAME", "detection"),
		GroupKey:          getEnv("QUEUE_GROUP_KEY", "screening"),
		QueueDatabaseURL:  getEnv("QUEUE_DATABASE_URL", ""),
		AMQPURL:           getEnv("AMQP_URL", ""),
		AMQPExchange:      getEnv("AMQP_EXCHANGE", "detection"),
		BatchSize:         getIntEnv("QUEUE_BATCH_SIZE", 10),
		WaitTime:          getDurationEnv("QUEUE_WAIT_TIME", 5*time.Second),
		IdleDelay:         getDurationEnv("CONSUMER_IDLE_DELAY", 5*time.Second),
		VisibilityTimeout: getDurationEnv("QUEUE_VISIBILITY_TIMEOUT", 60*time.Second),
		DedupWindow:       getDurationEnv("QUEUE_DEDUP_WINDOW", 5*time.Minute),
		PollInterval:      getDurationEnv("QUEUE_POLL_INTERVAL", 500*time.Millisecond),

		BatchID:     getEnv("BATCH_ID", ""),
		ImageCount:  getIntEnv("IMAGE_COUNT", 10),
		TargetLabel: getEnv("TARGET_LABEL", "Car"),
		Threshold:   getFloatEnv("LABEL_THRESHOLD", 90),
		ScreenDelay: getDurationEnv("SCREEN_DELAY", 2*time.Second),

		SourceKind:   getEnv("IMAGE_SOURCE", SourceFilesystem),
		ImageDir:     getEnv("IMAGE_DIR", "./data/images"),
		ImageBaseURL: getEnv("IMAGE_BASE_URL", ""),
		ImageBucket:  getEnv("IMAGE_BUCKET", ""),
		ImagePrefix:  getEnv("IMAGE_PREFIX", ""),
		StagingDir:   getEnv("STAGING_DIR", "./data/staging"),
		MaxDimension: getIntEnv("IMAGE_MAX_DIMENSION", 0),
		GCSAnonymous: getBoolEnv("GCS_ANONYMOUS", false),
		ReadTimeout:  getDurationEnv("IMAGE_READ_TIMEOUT", 30*time.Second),

		Detector:            getEnv("DETECTOR", DetectorVision),
		VisionMaxLabels:     getIntEnv("VISION_MAX_LABELS", 10),
		VisionMinConfidence: getFloatEnv("VISION_MIN_CONFIDENCE", 90),
		VisionRetries:       getIntEnv("VISION_RETRIES", 0),
		VisionRetryBackoff:  getDurationEnv("VISION_RETRY_BACKOFF", 500*time.Millisecond),

		OutputDir:     getEnv("OUTPUT_DIR", "."),
		ResultsBucket: getEnv("RESULTS_BUCKET", ""),
		ResultsPrefix: getEnv("RESULTS_PREFIX", ""),

		ResultsContentDir:    getEnv("RESULTS_CONTENT_DIR", ""),
		ResultsContentOwner:  getEnv("RESULTS_CONTENT_OWNER_ID", "00000000-0000-0000-0000-000000000001"),
		ResultsContentTenant: getEnv("RESULTS_CONTENT_TENANT_ID", "00000000-0000-0000-0000-000000000002"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8081"),

		DBOSDatabaseURL: getEnv("DBOS_SYSTEM_DATABASE_URL", ""),
		DBOSAppName:     getEnv("DBOS_APP_NAME", "detection-pipeline"),
		DBOSAppVersion:  getEnv("DBOS_APPLICATION_VERSION", ""),
		DBOSQueueName:   getEnv("DBOS_QUEUE_NAME", "default"),
		DBOSConcurrency: getIntEnv("DBOS_CONCURRENCY", 4),
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.QueueDriver {
	case "memory":
	case "postgres":
		if c.QueueDatabaseURL == "" {
			errs = append(errs, errors.New("QUEUE_DATABASE_URL is required for the postgres queue"))
		}
	case "rabbitmq":
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required for the rabbitmq queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_DRIVER %q", c.QueueDriver))
	}

	if c.BatchSize < 1 || c.BatchSize > 10 {
		errs = append(errs, fmt.Errorf("QUEUE_BATCH_SIZE must be between 1 and 10, got %d", c.BatchSize))
	}
	if c.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("QUEUE_VISIBILITY_TIMEOUT must be positive"))
	}
	if c.WaitTime < 0 || c.IdleDelay < 0 || c.ScreenDelay < 0 || c.DedupWindow < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		errs = append(errs, fmt.Errorf("LABEL_THRESHOLD must be within [0,100], got %v", c.Threshold))
	}
	if c.ImageCount < 0 {
		errs = append(errs, fmt.Errorf("IMAGE_COUNT must not be negative, got %d", c.ImageCount))
	}

	switch c.SourceKind {
	case SourceFilesystem:
		if c.ImageDir == "" {
			errs = append(errs, errors.New("IMAGE_DIR is required for the filesystem source"))
		}
	case SourceHTTP:
		if c.ImageBaseURL == "" {
			errs = append(errs, errors.New("IMAGE_BASE_URL is required for the http source"))
		}
	case SourceGCS:
		if c.ImageBucket == "" {
			errs = append(errs, errors.New("IMAGE_BUCKET is required for the gcs source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown IMAGE_SOURCE %q", c.SourceKind))
	}

	if c.Detector != DetectorVision && c.Detector != DetectorStub {
		errs = append(errs, fmt.Errorf("unknown DETECTOR %q", c.Detector))
	}
	if c.VisionRetries < 0 {
		errs = append(errs, errors.New("VISION_RETRIES must not be negative"))
	}

	if c.ResultsContentDir != "" {
		if _, err := uuid.Parse(c.ResultsContentOwner); err != nil {
			errs = append(errs, fmt.Errorf("RESULTS_CONTENT_OWNER_ID: %w", err))
		}
		if _, err := uuid.Parse(c.ResultsContentTenant); err != nil {
			errs = append(errs, fmt.Errorf("RESULTS_CONTENT_TENANT_ID: %w", err))
		}
	}

	return errors.Join(errs...)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value.
// Bare integers are read as seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
