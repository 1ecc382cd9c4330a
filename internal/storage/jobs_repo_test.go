package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockConn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { mockConn.Close() })
	return &DB{DB: sqlx.NewDb(mockConn, "postgres")}, mock
}

func TestBackoffWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 30 * time.Second
	for attempts := 0; attempts < 12; attempts++ {
		for i := 0; i < 20; i++ {
			d := Backoff(attempts, base, cap)
			if d < 0 || d > cap {
				t.Fatalf("attempts=%d: backoff %v out of [0,%v]", attempts, d, cap)
			}
		}
	}
}

func TestBackoffGrowsWithAttempts(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 1 * time.Hour
	// at attempts=0 the ceiling is base; at attempts=10 the ceiling is far
	// larger, so across many samples the max observed duration should grow.
	maxAt := func(attempts int) time.Duration {
		var max time.Duration
		for i := 0; i < 200; i++ {
			if d := Backoff(attempts, base, cap); d > max {
				max = d
			}
		}
		return max
	}
	if maxAt(10) <= maxAt(0) {
		t.Fatalf("expected backoff ceiling to grow with attempts")
	}
}

func TestBackoffClampsToCapAtHighAttempts(t *testing.T) {
	base := 1 * time.Second
	cap := 5 * time.Second
	for i := 0; i < 50; i++ {
		d := Backoff(64, base, cap)
		if d > cap {
			t.Fatalf("backoff %v exceeded cap %v", d, cap)
		}
	}
}

func TestEnqueueJobWithoutIdempotencyKey(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := db.EnqueueJob(context.Background(), JobBuildBundle, []byte(`{}`), nil, 8, time.Hour)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty job id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnqueueJobReturnsExistingNonTerminal(t *testing.T) {
	db, mock := newMockDB(t)
	key := "dedup-1"
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"job_id", "status", "created_at"}).
		AddRow("job-existing", string(JobLeased), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT job_id, status, created_at FROM jobs WHERE idempotency_key")).
		WillReturnRows(rows)
	mock.ExpectCommit()

	id, err := db.EnqueueJob(context.Background(), JobBuildBundle, []byte(`{}`), &key, 8, time.Hour)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id != "job-existing" {
		t.Fatalf("expected existing job id, got %s", id)
	}
}

func TestCancelJobNotPendingReturnsConflict(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = 'dead'")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.CancelJob(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error for non-pending job")
	}
}
