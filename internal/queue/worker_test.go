package queue

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/events"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/storage"
)

func newTestWorker(t *testing.T) (*Worker, sqlmock.Sqlmock) {
	t.Helper()
	mockConn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { mockConn.Close() })
	db := &storage.DB{DB: sqlx.NewDb(mockConn, "postgres")}

	w := New(db, events.New(), logging.New(false), clock.Real{}, Config{
		WorkerID:     "worker-1",
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		LeaseTTL:     time.Hour, // long enough that the heartbeat goroutine never fires during the test
		BackoffBase:  10 * time.Millisecond,
		BackoffCap:   time.Second,
	})
	return w, mock
}

func TestProcessSucceedsAndCompletesJob(t *testing.T) {
	w, mock := newTestWorker(t)
	called := false
	w.Register(storage.JobBuildBundle, func(ctx context.Context, job storage.Job) error {
		called = true
		return nil
	})

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = $1, lease_owner = NULL")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.process(context.Background(), storage.Job{JobID: "job-1", Kind: storage.JobBuildBundle})

	if !called {
		t.Fatal("expected handler to be invoked")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessMissingHandlerDeadLetters(t *testing.T) {
	w, mock := newTestWorker(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT job_id, attempts, max_attempts FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "attempts", "max_attempts"}).
			AddRow("job-2", 8, 8))
	mock.ExpectExec(`UPDATE jobs SET status = \$1, lease_owner = NULL, lease_expires_at = NULL,\s*last_error`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.process(context.Background(), storage.Job{JobID: "job-2", Kind: "unregistered_kind"})
}

func TestProcessHandlerErrorSchedulesRetry(t *testing.T) {
	w, mock := newTestWorker(t)
	w.Register(storage.JobBuildBundle, func(ctx context.Context, job storage.Job) error {
		return errors.New("boom")
	})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT job_id, attempts, max_attempts FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "attempts", "max_attempts"}).
			AddRow("job-3", 1, 8))
	mock.ExpectExec(`UPDATE jobs SET status = \$1, lease_owner = NULL, lease_expires_at = NULL,\s*next_visible_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.process(context.Background(), storage.Job{JobID: "job-3", Kind: storage.JobBuildBundle})
}
