package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	_ "github.com/lib/pq"
)

// Runtime owns the DBOS context, the screening queue and a plain SQL pool
// on the system database for by-name enqueues and status reads.
type Runtime struct {
	dbosContext dbos.DBOSContext
	queue       *dbos.WorkflowQueue
	config      Config
	db          *sql.DB
}

// NewRuntime connects to the system database and prepares the workflow
// queue. Workflows must be registered before Launch.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Fail on an unreachable database before DBOS starts its own pool.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open DBOS database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach DBOS database: %w", err)
	}

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create DBOS context: %w", err)
	}

	var queueOpts []dbos.QueueOption
	if cfg.Concurrency > 0 {
		queueOpts = append(queueOpts, dbos.WithWorkerConcurrency(cfg.Concurrency))
	}
	queue := dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName, queueOpts...)

	return &Runtime{
		dbosContext: dbosCtx,
		queue:       &queue,
		config:      cfg,
		db:          db,
	}, nil
}

// Launch starts dequeuing; call it once all workflows are registered.
func (r *Runtime) Launch() error {
	if err := dbos.Launch(r.dbosContext); err != nil {
		return fmt.Errorf("failed to launch DBOS: %w", err)
	}
	return nil
}

// Shutdown stops DBOS, waiting up to timeout for running workflows, then
// closes the SQL pool.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	var errs []error
	if r.dbosContext != nil {
		dbos.Shutdown(r.dbosContext, timeout)
		r.dbosContext = nil
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// DB is the pool on the system database. It stays owned by the runtime.
func (r *Runtime) DB() *sql.DB {
	return r.db
}

func (r *Runtime) QueueName() string {
	return r.config.QueueName
}

func (r *Runtime) Concurrency() int {
	return r.config.Concurrency
}
