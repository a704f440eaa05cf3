// Package queue is the ordered, at-least-once channel between the screening
// producer and the extraction consumer.
//
// Every driver follows the same contract:
//   - messages sharing a GroupKey are delivered in enqueue order, and a
//     message is withheld while an earlier message of its group is in flight;
//   - a second Enqueue with the same dedup key inside the dedup window is a
//     no-op for the consumer;
//   - a received message stays invisible until it is acknowledged or its
//     visibility timeout elapses, after which it is delivered again.
package queue

import (
	"context"
	"errors"
	"time"
)

// MaxBatchSize bounds a single receive.
const MaxBatchSize = 10

var (
	// ErrReceiptNotFound is returned when acknowledging a receipt the queue does not know.
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrReceiptExpired is returned when the visibility timeout elapsed before the ack.
	ErrReceiptExpired = errors.New("receipt expired")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Message is the envelope handed to Enqueue.
type Message struct {
	Body     string
	GroupKey string
	// DedupKey defaults to Body when empty.
	DedupKey string
}

func (m Message) dedupKey() string {
	if m.DedupKey == "" {
		return m.Body
	}
	return m.DedupKey
}

// Delivery is a received message plus the one-time receipt needed to acknowledge it.
type Delivery struct {
	Body         string
	Receipt      string
	ReceiveCount int
}

// Queue is implemented by every transport driver.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// ReceiveBatch blocks up to wait for at least one message and returns at most max.
	ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Acknowledge(ctx context.Context, receipt string) error
	Close() error
}

// clampBatch keeps max in [1, MaxBatchSize].
func clampBatch(max int) int {
	if max < 1 {
		return 1
	}
	if max > MaxBatchSize {
		return MaxBatchSize
	}
	return max
}
