package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/limiter"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		sqlDB.Close()
	})
	return &DB{DB: sqlx.NewDb(sqlDB, "pgx")}, mock
}

func TestCounterRepoGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCounterRepo(db)

	mock.ExpectQuery(`SELECT count, version FROM limiter_counters WHERE name = \$1`).
		WithArgs("copy:counter").
		WillReturnRows(sqlmock.NewRows([]string{"count", "version"}).AddRow(3, 7))

	rec, ok, err := repo.Get(context.Background(), "copy:counter")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, limiter.Record{Count: 3, Version: 7}, rec)
}

func TestCounterRepoGetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCounterRepo(db)

	mock.ExpectQuery(`SELECT count, version FROM limiter_counters`).
		WithArgs("copy:counter").
		WillReturnRows(sqlmock.NewRows([]string{"count", "version"}))

	_, ok, err := repo.Get(context.Background(), "copy:counter")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCounterRepoCreateRace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCounterRepo(db)

	mock.ExpectExec(`INSERT INTO limiter_counters`).
		WithArgs("copy:counter", 1).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := repo.Create(context.Background(), "copy:counter", 1)
	assert.True(t, errors.Is(err, limiter.ErrExists))
}

func TestCounterRepoUpdateConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCounterRepo(db)

	mock.ExpectExec(`UPDATE limiter_counters`).
		WithArgs(4, "copy:counter", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE limiter_counters`).
		WithArgs(4, "copy:counter", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), "copy:counter", 7, 4)
	assert.True(t, errors.Is(err, limiter.ErrConflict))
	assert.NoError(t, repo.Update(context.Background(), "copy:counter", 8, 4))
}

func TestCASLimiterOverPostgres(t *testing.T) {
	db, mock := newMockDB(t)
	l := limiter.NewCAS(NewCounterRepo(db), limiter.CASConfig{MaxRetries: 3, Backoff: time.Microsecond}, nil)

	// First attempt loses the race, second succeeds.
	mock.ExpectQuery(`SELECT count, version`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "version"}).AddRow(1, 1))
	mock.ExpectExec(`UPDATE limiter_counters`).WithArgs(2, "copy:counter", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count, version`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "version"}).AddRow(1, 2))
	mock.ExpectExec(`UPDATE limiter_counters`).WithArgs(2, "copy:counter", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.Acquire(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueueRepoDeleteLeaseLost(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueueRepo(db)

	mock.ExpectExec(`DELETE FROM queue_messages WHERE id = \$1 AND receipt = \$2`).
		WithArgs("m1", "r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), queue.Message{ID: "m1", Receipt: "r1"})
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
}

func TestQueueRepoReceive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueueRepo(db)
	now := time.Now()

	mock.ExpectQuery(`UPDATE queue_messages .* FOR UPDATE SKIP LOCKED`).
		WithArgs("copy-jobs", 10, int64(60000), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "queue", "body", "dequeue_count", "receipt", "enqueued_at"}).
			AddRow("m1", "copy-jobs", []byte(`{}`), 2, "r1", now))

	msgs, err := repo.Receive(context.Background(), "copy-jobs", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].DequeueCount)
	assert.Equal(t, "r1", msgs[0].Receipt)
}

func TestQueueRepoDepths(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueueRepo(db)

	mock.ExpectQuery(`SELECT queue, COUNT\(\*\) FROM queue_messages WHERE queue = ANY\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"queue", "count"}).AddRow("copy-jobs", 4))

	depths, err := repo.Depths(context.Background(), []string{"copy-jobs", "purge-jobs"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"copy-jobs": 4, "purge-jobs": 0}, depths)
}

func TestJobLogRepoAppend(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobLogRepo(db)

	mock.ExpectExec(`INSERT INTO job_log`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Append(context.Background(), domain.JobLogEntry{
		JobID:         "job-1",
		Operation:     domain.OpStart,
		Status:        domain.StatusSnapshotInProgress,
		Type:          domain.JobTypeSnapshot,
		TimeGenerated: time.Now(),
	})
	assert.NoError(t, err)
}

func TestJobLogRepoPrune(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobLogRepo(db)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec(`DELETE FROM job_log WHERE time_generated < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
