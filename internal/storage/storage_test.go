package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pipeorch/pkg/logx"
)

func TestOpen_MigratesIdempotently(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "pipeorch.db")
	ctx := context.Background()

	db, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 3, n)

	for _, table := range []string{"scheduled_jobs", "job_registrations", "job_fire_log", "notifier_dedup"} {
		var name string
		err := db.SQL().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	var fk int
	require.NoError(t, db.SQL().QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{}, logx.Nop())
	require.Error(t, err)
}

func TestDedupStore_RoundTrip(t *testing.T) {
	t.Parallel()
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	require.NoError(t, err)
	defer db.Close()

	s := NewDedupStore(db)
	ctx := context.Background()

	_, ok, err := s.GetDedup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, s.PutDedup(ctx, "etl|boom", until))
	got, ok, err := s.GetDedup(ctx, "etl|boom")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, until.Equal(got))
}

func fastPolicy(n int) RetryPolicy {
	return RetryPolicy{Attempts: n, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_RetriesLockContentionThenSucceeds(t *testing.T) {
	t.Parallel()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := New(sqlDB, logx.Nop(), fastPolicy(5))

	mock.ExpectExec("UPDATE scheduled_jobs").WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectExec("UPDATE scheduled_jobs").WillReturnError(errors.New("database is locked"))
	mock.ExpectExec("UPDATE scheduled_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	err = db.Do(context.Background(), "touch", func(ctx context.Context) error {
		_, err := db.SQL().ExecContext(ctx, "UPDATE scheduled_jobs SET enabled = 1")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDo_ExhaustionIsStorageFailure(t *testing.T) {
	t.Parallel()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := New(sqlDB, logx.Nop(), fastPolicy(3))
	for i := 0; i < 3; i++ {
		mock.ExpectExec("DELETE FROM scheduled_jobs").WillReturnError(errors.New("database is locked"))
	}

	err = db.Do(context.Background(), "delete", func(ctx context.Context) error {
		_, err := db.SQL().ExecContext(ctx, "DELETE FROM scheduled_jobs")
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDo_NonTransientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := New(sqlDB, logx.Nop(), fastPolicy(5))
	mock.ExpectQuery("SELECT id FROM scheduled_jobs").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err = db.Do(context.Background(), "get", func(ctx context.Context) error {
		var id string
		return db.SQL().QueryRowContext(ctx, "SELECT id FROM scheduled_jobs WHERE id = ?", "x").Scan(&id)
	})
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	assert.False(t, errors.Is(err, ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_RollsBackAndRetriesWholeTransaction(t *testing.T) {
	t.Parallel()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := New(sqlDB, logx.Nop(), fastPolicy(3))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scheduled_jobs").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scheduled_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = db.Tx(context.Background(), "insert", func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO scheduled_jobs (id) VALUES ('a')")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{Attempts: 10, Base: 50 * time.Millisecond}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("no such table: x")))
	assert.True(t, IsTransient(errors.Wrap(errors.New("database is locked"), "ctx")))
	assert.True(t, IsTransient(errors.New("database table is locked: jobs")))
}
