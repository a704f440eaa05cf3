package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/dedupe"
	"github.com/tendant/detection-pipeline/internal/metrics"
)

const groupKeyHeader = "x-group-key"

// RabbitMQ drives a durable queue bound to a direct exchange. Unacknowledged
// deliveries return to the queue when the channel closes, which stands in
// for the visibility timeout.
type RabbitMQ struct {
	amqpURL  string
	exchange string
	cfg      Config
	dedup    dedupe.Window
	clock    clock.Clock
	logger   *slog.Logger

	// opMu serializes amqp operations since amqp.Channel is not safe for concurrent use.
	opMu       sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	generation uint64
	inFlight   map[uint64]struct{}
}

// NewRabbitMQ connects, declares the exchange and queue, and binds them
// using the queue name as routing key.
func NewRabbitMQ(amqpURL, exchange string, cfg Config, dedup dedupe.Window, logger *slog.Logger) (*RabbitMQ, error) {
	cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	q := &RabbitMQ{
		amqpURL:  amqpURL,
		exchange: exchange,
		cfg:      cfg,
		dedup:    dedup,
		clock:    clock.Real{},
		logger:   logger,
	}

	// Establish initial connection so callers fail fast if RabbitMQ is unreachable.
	q.opMu.Lock()
	err := q.reconnectLocked()
	q.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return q, nil
}

// reconnectLocked tears down any existing channel/connection and recreates them.
// Caller must hold q.opMu.
func (q *RabbitMQ) reconnectLocked() error {
	if q.channel != nil {
		_ = q.channel.Close()
		q.channel = nil
	}
	if q.conn != nil {
		_ = q.conn.Close()
		q.conn = nil
	}

	conn, err := amqp.Dial(q.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		q.exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		q.cfg.Name, // name
		true,       // durable
		false,      // delete when unused
		false,      // exclusive
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.cfg.Name, q.cfg.Name, q.exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	q.conn = conn
	q.channel = ch
	q.generation++
	q.inFlight = make(map[uint64]struct{})
	q.logger.Info("connected to RabbitMQ", "exchange", q.exchange, "queue", q.cfg.Name)
	return nil
}

// withChannel runs fn, reconnecting once if the channel was closed underneath us.
func (q *RabbitMQ) withChannel(fn func(ch *amqp.Channel) error) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	if q.channel == nil {
		if err := q.reconnectLocked(); err != nil {
			return err
		}
	}
	err := fn(q.channel)
	if errors.Is(err, amqp.ErrClosed) {
		if rerr := q.reconnectLocked(); rerr != nil {
			return rerr
		}
		err = fn(q.channel)
	}
	return err
}

func (q *RabbitMQ) Enqueue(ctx context.Context, msg Message) error {
	key := msg.dedupKey()
	if q.cfg.DedupWindow > 0 && q.dedup != nil {
		dup, err := q.dedup.Observe(ctx, q.cfg.Name, key, q.cfg.DedupWindow)
		if err != nil {
			return fmt.Errorf("dedup check failed: %w", err)
		}
		if dup {
			metrics.DedupDroppedTotal.WithLabelValues(DriverRabbitMQ).Inc()
			q.logger.Debug("duplicate enqueue collapsed", "queue", q.cfg.Name, "dedup_key", key)
			return nil
		}
	}

	publishing := amqp.Publishing{
		ContentType:  "text/plain",
		Body:         []byte(msg.Body),
		MessageId:    key,
		Headers:      amqp.Table{groupKeyHeader: msg.GroupKey},
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}

	err := q.withChannel(func(ch *amqp.Channel) error {
		return ch.Publish(q.exchange, q.cfg.Name, false, false, publishing)
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (q *RabbitMQ) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	max = clampBatch(max)
	deadline := q.clock.Now().Add(wait)

	for {
		out, err := q.getBatch(max)
		if err != nil || len(out) > 0 {
			return out, err
		}

		remaining := deadline.Sub(q.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > q.cfg.PollInterval {
			remaining = q.cfg.PollInterval
		}
		if err := q.clock.Sleep(ctx, remaining); err != nil {
			return nil, err
		}
	}
}

func (q *RabbitMQ) getBatch(max int) ([]Delivery, error) {
	var out []Delivery
	err := q.withChannel(func(ch *amqp.Channel) error {
		// A retry after reconnect starts over; the old channel's
		// deliveries were requeued by the broker.
		var err error
		out, err = q.collect(ch, max)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}
	return out, nil
}

// getter is the part of *amqp.Channel used to pull a batch.
type getter interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Nack(tag uint64, multiple, requeue bool) error
}

// collect pulls up to max deliveries. On error every delivery taken so far
// is requeued, so a failed receive never strands messages on the channel.
// Caller must hold q.opMu.
func (q *RabbitMQ) collect(ch getter, max int) ([]Delivery, error) {
	var (
		out  []Delivery
		tags []uint64
	)
	for len(out) < max {
		d, ok, err := ch.Get(q.cfg.Name, false)
		if err != nil {
			for _, tag := range tags {
				delete(q.inFlight, tag)
				if nerr := ch.Nack(tag, false, true); nerr != nil && !errors.Is(nerr, amqp.ErrClosed) {
					q.logger.Warn("failed to requeue delivery", "delivery_tag", tag, "error", nerr)
				}
			}
			return nil, err
		}
		if !ok {
			break
		}
		q.inFlight[d.DeliveryTag] = struct{}{}
		tags = append(tags, d.DeliveryTag)
		count := 1
		if d.Redelivered {
			count = 2
		}
		out = append(out, Delivery{
			Body:         string(d.Body),
			Receipt:      formatReceipt(q.generation, d.DeliveryTag),
			ReceiveCount: count,
		})
	}
	return out, nil
}

func (q *RabbitMQ) Acknowledge(_ context.Context, receipt string) error {
	gen, tag, err := parseReceipt(receipt)
	if err != nil {
		return ErrReceiptNotFound
	}

	q.opMu.Lock()
	defer q.opMu.Unlock()

	// Tags from a previous channel were requeued by the broker when it closed.
	if gen != q.generation || q.channel == nil {
		return ErrReceiptExpired
	}
	if _, ok := q.inFlight[tag]; !ok {
		return ErrReceiptNotFound
	}
	if err := q.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	delete(q.inFlight, tag)
	return nil
}

func (q *RabbitMQ) Close() error {
	q.opMu.Lock()
	defer q.opMu.Unlock()
	var err error
	if q.channel != nil {
		err = q.channel.Close()
		q.channel = nil
	}
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
		q.conn = nil
	}
	return err
}

func formatReceipt(generation, tag uint64) string {
	return strconv.FormatUint(generation, 10) + "-" + strconv.FormatUint(tag, 10)
}

func parseReceipt(receipt string) (uint64, uint64, error) {
	genPart, tagPart, ok := strings.Cut(receipt, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed receipt %q", receipt)
	}
	gen, err := strconv.ParseUint(genPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed receipt %q: %w", receipt, err)
	}
	tag, err := strconv.ParseUint(tagPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed receipt %q: %w", receipt, err)
	}
	return gen, tag, nil
}
