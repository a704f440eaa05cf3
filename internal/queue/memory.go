package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/dedupe"
	"github.com/tendant/detection-pipeline/internal/metrics"
)

type memoryMessage struct {
	body         string
	group        string
	receipt      string
	visibleAt    time.Time
	receiveCount int
}

// Memory is an in-process queue used by the standalone binary and tests.
type Memory struct {
	cfg    Config
	clock  clock.Clock
	dedup  dedupe.Window
	logger *slog.Logger

	mu       sync.Mutex
	messages []*memoryMessage
	notify   chan struct{}
	closed   bool
}

// NewMemory creates an in-memory queue. Visibility and dedup windows are
// measured on clk; receive waits use real time.
func NewMemory(cfg Config, clk clock.Clock, logger *slog.Logger) *Memory {
	cfg.WithDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		cfg:    cfg,
		clock:  clk,
		dedup:  dedupe.NewMemory(clk),
		logger: logger,
		notify: make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, msg Message) error {
	if m.cfg.DedupWindow > 0 {
		dup, err := m.dedup.Observe(ctx, m.cfg.Name, msg.dedupKey(), m.cfg.DedupWindow)
		if err != nil {
			return fmt.Errorf("dedup check failed: %w", err)
		}
		if dup {
			metrics.DedupDroppedTotal.WithLabelValues(DriverMemory).Inc()
			m.logger.Debug("duplicate enqueue collapsed", "queue", m.cfg.Name, "dedup_key", msg.dedupKey())
			return nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.messages = append(m.messages, &memoryMessage{
		body:  msg.Body,
		group: msg.GroupKey,
	})
	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

func (m *Memory) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	max = clampBatch(max)

	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		out := m.takeLocked(max)
		notify := m.notify
		m.mu.Unlock()

		if len(out) > 0 || deadline == nil {
			return out, nil
		}

		// Poll at the configured interval too, so expiring visibility
		// timeouts are noticed without a new enqueue.
		tick := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			tick.Stop()
			return nil, ctx.Err()
		case <-deadline:
			tick.Stop()
			return nil, nil
		case <-notify:
		case <-tick.C:
		}
		tick.Stop()
	}
}

// takeLocked marks up to max visible messages in flight, respecting group order.
func (m *Memory) takeLocked(max int) []Delivery {
	now := m.clock.Now()
	blocked := make(map[string]bool)
	var out []Delivery

	for _, msg := range m.messages {
		if len(out) == max {
			break
		}
		if blocked[msg.group] {
			continue
		}
		if msg.receipt != "" && msg.visibleAt.After(now) {
			blocked[msg.group] = true
			continue
		}
		msg.receipt = uuid.NewString()
		msg.visibleAt = now.Add(m.cfg.VisibilityTimeout)
		msg.receiveCount++
		out = append(out, Delivery{
			Body:         msg.body,
			Receipt:      msg.receipt,
			ReceiveCount: msg.receiveCount,
		})
	}
	return out
}

func (m *Memory) Acknowledge(_ context.Context, receipt string) error {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i, msg := range m.messages {
		if msg.receipt != receipt {
			continue
		}
		if !msg.visibleAt.After(now) {
			return ErrReceiptExpired
		}
		m.messages = append(m.messages[:i], m.messages[i+1:]...)
		return nil
	}
	return ErrReceiptNotFound
}

// Len returns the number of messages not yet acknowledged.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Bodies returns the bodies of unacknowledged messages in queue order.
func (m *Memory) Bodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg.body)
	}
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
