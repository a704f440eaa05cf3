package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Window decides whether a key was already seen inside an open dedup window.
type Window interface {
	// Observe records key under scope and reports whether it is a duplicate
	// of an observation made less than window ago.
	Observe(ctx context.Context, scope, key string, window time.Duration) (bool, error)
}

// Tracker tracks duplicate queue submissions in Postgres
type Tracker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTracker creates a new dedupe tracker
func NewTracker(db *sql.DB, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tracker := &Tracker{db: db, logger: logger}

	// Create table if not exists
	if err := tracker.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure dedupe table: %w", err)
	}

	return tracker, nil
}

// ensureTable creates the process_dedupe table if it doesn't exist
func (t *Tracker) ensureTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS process_dedupe (
			scope TEXT NOT NULL,
			dedupe_key TEXT NOT NULL,
			window_started_at TIMESTAMPTZ DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ DEFAULT NOW(),
			seen_count INTEGER DEFAULT 1,
			PRIMARY KEY (scope, dedupe_key)
		)
	`

	_, err := t.db.Exec(query)
	if err != nil {
		return fmt.Errorf("failed to create process_dedupe table: %w", err)
	}

	t.logger.Info("process_dedupe table ready")
	return nil
}

// Observe upserts the key and reports a duplicate while the previous window is open.
// A key seen after its window closed starts a new window and is not a duplicate.
func (t *Tracker) Observe(ctx context.Context, scope, key string, window time.Duration) (bool, error) {
	query := `
		INSERT INTO process_dedupe (scope, dedupe_key, window_started_at, last_seen_at, seen_count)
		VALUES ($1, $2, NOW(), NOW(), 1)
		ON CONFLICT (scope, dedupe_key) DO UPDATE
		SET last_seen_at = NOW(),
		    seen_count = process_dedupe.seen_count + 1,
		    window_started_at = CASE
		        WHEN process_dedupe.window_started_at <= NOW() - make_interval(secs => $3::double precision) THEN NOW()
		        ELSE process_dedupe.window_started_at
		    END
		RETURNING window_started_at = NOW()
	`

	var fresh bool
	err := t.db.QueryRowContext(ctx, query, scope, key, window.Seconds()).Scan(&fresh)
	if err != nil {
		return false, fmt.Errorf("failed to observe dedupe key: %w", err)
	}

	return !fresh, nil
}

// Record records a submission and returns the seen count
func (t *Tracker) Record(ctx context.Context, scope, key string) (int, error) {
	// Upsert: increment seen_count if exists, insert if not
	query := `
		INSERT INTO process_dedupe (scope, dedupe_key, window_started_at, last_seen_at, seen_count)
		VALUES ($1, $2, NOW(), NOW(), 1)
		ON CONFLICT (scope, dedupe_key) DO UPDATE
		SET last_seen_at = NOW(),
		    seen_count = process_dedupe.seen_count + 1
		RETURNING seen_count
	`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, scope, key).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record dedupe: %w", err)
	}

	return seenCount, nil
}

// GetSeenCount retrieves the seen count for a key
func (t *Tracker) GetSeenCount(ctx context.Context, scope, key string) (int, error) {
	query := `SELECT seen_count FROM process_dedupe WHERE scope = $1 AND dedupe_key = $2`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, scope, key).Scan(&seenCount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}
