package queue

import "time"

// Driver names
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRabbitMQ = "rabbitmq"
)

// Config holds transport settings shared by the drivers
type Config struct {
	// Name identifies the queue (table partition, AMQP queue name)
	Name string

	// VisibilityTimeout must exceed the slowest fetch+detect of one image
	VisibilityTimeout time.Duration

	// DedupWindow is how long an identical dedup key collapses into one delivery.
	// Zero disables deduplication.
	DedupWindow time.Duration

	// PollInterval is used by drivers that emulate long polling
	PollInterval time.Duration
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.Name == "" {
		c.Name = "detection"
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}
