package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/dedupe"
	"github.com/tendant/detection-pipeline/internal/metrics"
)

// Postgres is a table-backed queue. Receipts are random UUIDs assigned on
// receive; a message becomes visible again when visible_at passes.
type Postgres struct {
	db     *sql.DB
	cfg    Config
	dedup  dedupe.Window
	clock  clock.Clock
	logger *slog.Logger
}

// NewPostgres creates the queue table if needed. dedup may be nil when
// DedupWindow is zero.
func NewPostgres(db *sql.DB, cfg Config, dedup dedupe.Window, logger *slog.Logger) (*Postgres, error) {
	cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	q := &Postgres{
		db:     db,
		cfg:    cfg,
		dedup:  dedup,
		clock:  clock.Real{},
		logger: logger,
	}

	if err := q.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure queue table: %w", err)
	}
	return q, nil
}

// ensureTable creates the queue_messages table if it doesn't exist
func (q *Postgres) ensureTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS queue_messages (
			id BIGSERIAL PRIMARY KEY,
			queue_name TEXT NOT NULL,
			group_key TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			body TEXT NOT NULL,
			receipt TEXT,
			receive_count INTEGER NOT NULL DEFAULT 0,
			visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS queue_messages_visible_idx ON queue_messages (queue_name, visible_at, id);
		CREATE UNIQUE INDEX IF NOT EXISTS queue_messages_receipt_idx ON queue_messages (receipt);
	`

	if _, err := q.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create queue_messages table: %w", err)
	}

	q.logger.Info("queue_messages table ready", "queue", q.cfg.Name)
	return nil
}

func (q *Postgres) Enqueue(ctx context.Context, msg Message) error {
	key := msg.dedupKey()
	if q.cfg.DedupWindow > 0 && q.dedup != nil {
		dup, err := q.dedup.Observe(ctx, q.cfg.Name, key, q.cfg.DedupWindow)
		if err != nil {
			return fmt.Errorf("dedup check failed: %w", err)
		}
		if dup {
			metrics.DedupDroppedTotal.WithLabelValues(DriverPostgres).Inc()
			q.logger.Debug("duplicate enqueue collapsed", "queue", q.cfg.Name, "dedup_key", key)
			return nil
		}
	}

	query := `
		INSERT INTO queue_messages (queue_name, group_key, dedup_key, body)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := q.db.ExecContext(ctx, query, q.cfg.Name, msg.GroupKey, key, msg.Body); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// receiveQuery claims visible messages in id order. A message is skipped
// while an earlier message of its group is still in flight.
const receiveQuery = `
	UPDATE queue_messages q
	SET receipt = gen_random_uuid()::text,
	    visible_at = NOW() + make_interval(secs => $3::double precision),
	    receive_count = q.receive_count + 1
	FROM (
		SELECT m.id
		FROM queue_messages m
		WHERE m.queue_name = $1
		  AND m.visible_at <= NOW()
		  AND NOT EXISTS (
			SELECT 1 FROM queue_messages f
			WHERE f.queue_name = m.queue_name
			  AND f.group_key = m.group_key
			  AND f.id < m.id
			  AND f.receipt IS NOT NULL
			  AND f.visible_at > NOW()
		  )
		ORDER BY m.id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	) next
	WHERE q.id = next.id
	RETURNING q.id, q.body, q.receipt, q.receive_count
`

func (q *Postgres) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	max = clampBatch(max)
	deadline := q.clock.Now().Add(wait)

	for {
		out, err := q.receiveOnce(ctx, max)
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

func (q *Postgres) receiveOnce(ctx context.Context, max int) ([]Delivery, error) {
	rows, err := q.db.QueryContext(ctx, receiveQuery, q.cfg.Name, max, q.cfg.VisibilityTimeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}
	defer rows.Close()

	type row struct {
		id int64
		d  Delivery
	}
	var claimed []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.d.Body, &r.d.Receipt, &r.d.ReceiveCount); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].id < claimed[j].id })

	out := make([]Delivery, 0, len(claimed))
	for _, r := range claimed {
		out = append(out, r.d)
	}
	return out, nil
}

func (q *Postgres) Acknowledge(ctx context.Context, receipt string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue_name = $1 AND receipt = $2 AND visible_at > NOW()`,
		q.cfg.Name, receipt)
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Distinguish an expired receipt from one that never existed.
	var exists bool
	err = q.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_messages WHERE queue_name = $1 AND receipt = $2)`,
		q.cfg.Name, receipt).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check receipt: %w", err)
	}
	if exists {
		return ErrReceiptExpired
	}
	return ErrReceiptNotFound
}

// Close is a no-op; the caller owns the *sql.DB.
func (q *Postgres) Close() error {
	return nil
}
