package dbosruntime

import (
	"errors"
	"fmt"
)

// DefaultQueueName is the DBOS queue screening runs use unless configured.
const DefaultQueueName = "default"

// Config selects the DBOS system database and the workflow queue.
type Config struct {
	// Postgres URL of the DBOS system database. The same database holds the
	// batch submission ledger.
	DatabaseURL string
	AppName     string
	QueueName   string

	// Concurrency caps screening runs per worker. Zero leaves the queue
	// unbounded, which is what client-mode processes use since they never
	// register a workflow body.
	Concurrency int

	// ApplicationVersion replaces the binary hash DBOS matches workflows on,
	// so a trigger binary and a worker binary can share runs.
	ApplicationVersion string
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.QueueName == "" {
		c.QueueName = DefaultQueueName
	}
	if c.Concurrency < 0 {
		c.Concurrency = 1
	}
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DBOS_SYSTEM_DATABASE_URL is required"))
	}
	if c.AppName == "" {
		errs = append(errs, errors.New("DBOS app name is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid DBOS config: %w", err)
	}
	return nil
}
