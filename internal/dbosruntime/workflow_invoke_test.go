package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func testRuntime() *Runtime {
	cfg := Config{AppName: "detection-pipeline", QueueName: "screening", ApplicationVersion: "v1"}
	return &Runtime{config: cfg, db: db}
}

func TestEnqueueWorkflowByName(t *testing.T) {
	it(func() {
		r := testRuntime()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO dbos.workflow_status").
			WithArgs("screening-b1", "ENQUEUED", "screening_workflow", `{"batch_id":"b1"}`, "pending",
				sqlmock.AnyArg(), sqlmock.AnyArg(), "v1", "detection-pipeline").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO dbos.workflow_queue").
			WithArgs("screening-b1", "screening", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		id, err := r.EnqueueWorkflowByName(context.Background(), "screening_workflow", "screening-b1",
			map[string]string{"batch_id": "b1"})
		if err != nil {
			t.Fatalf("EnqueueWorkflowByName: %v", err)
		}
		if id != "screening-b1" {
			t.Errorf("id = %s", id)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestEnqueueWorkflowByNameExisting(t *testing.T) {
	it(func() {
		r := testRuntime()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO dbos.workflow_status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		id, err := r.EnqueueWorkflowByName(context.Background(), "screening_workflow", "screening-b1", nil)
		if err != nil || id != "screening-b1" {
			t.Fatalf("EnqueueWorkflowByName = (%s, %v)", id, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("queue row must not be inserted twice: %v", err)
		}
	})
}

func TestGetWorkflowStatus(t *testing.T) {
	it(func() {
		r := testRuntime()

		mock.ExpectQuery("SELECT workflow_uuid, status, name").
			WithArgs("screening-b1").
			WillReturnRows(sqlmock.NewRows([]string{"workflow_uuid", "status", "name", "output", "error", "created_at", "updated_at"}).
				AddRow("screening-b1", "SUCCESS", "screening_workflow", "", "", int64(1), int64(2)))

		info, err := r.GetWorkflowStatus(context.Background(), "screening-b1")
		if err != nil {
			t.Fatalf("GetWorkflowStatus: %v", err)
		}
		if info.Status != "SUCCESS" || info.UpdatedAt != 2 {
			t.Errorf("info = %+v", info)
		}

		mock.ExpectQuery("SELECT workflow_uuid, status, name").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		if _, err := r.GetWorkflowStatus(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing workflow err = %v, want ErrNotFound", err)
		}
	})
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := Config{Concurrency: -3}
	cfg.WithDefaults()
	if cfg.QueueName != DefaultQueueName || cfg.Concurrency != 1 {
		t.Errorf("defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected missing database URL and app name to fail")
	}

	cfg.DatabaseURL = "postgres://localhost/dbos"
	cfg.AppName = "detection-pipeline"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
