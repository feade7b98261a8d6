package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "pipeorch/pkg/logx"
)

// ErrStorage marks persistence failures that survived the retry policy.
var ErrStorage = errors.New("storage failure")

// Config configures the SQLite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	Retry       RetryPolicy
}

// DB wraps *sql.DB with the retry policy every caller shares.
type DB struct {
	sql   *sql.DB
	log   logx.Logger
	retry RetryPolicy
}

// Open opens (creating if needed) the database file and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create storage dir")
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	sqlDB, err := sql.Open("sqlite", dsn(path, busy))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer; WAL still lets other processes read.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := New(sqlDB, log, cfg.Retry)
	if err := db.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return db, nil
}

// dsn carries pragmas on the connection string so they survive connection recycling.
func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	return "file:" + path + "?" + q.Encode()
}

// New wraps an existing handle without running migrations. Tests use it with sqlmock.
func New(sqlDB *sql.DB, log logx.Logger, retry RetryPolicy) *DB {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DB{sql: sqlDB, log: log, retry: retry.withDefaults()}
}

func (d *DB) SQL() *sql.DB { return d.sql }

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Do runs fn under the retry policy. op names the operation in errors and logs.
func (d *DB) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := Retry(ctx, d.retry, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			d.log.Debug("storage busy; retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Err(err))
		}
		return err
	})
	if err != nil && errors.Is(err, ErrStorage) {
		d.log.Error("storage operation failed", logx.String("op", op), logx.Int("attempts", attempt), logx.Err(err))
		return errors.Wrap(err, op)
	}
	return err
}

// Tx runs fn inside a transaction under the retry policy. The whole transaction
// is retried, so fn must be safe to re-run.
func (d *DB) Tx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return d.Do(ctx, op, func(ctx context.Context) error {
		tx, err := d.sql.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// NullStr maps blank strings to SQL NULL.
func NullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// TimeLayout is fixed-width UTC so stored values compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// NullTime stores times as TimeLayout text; nil and zero map to NULL.
func NullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// ParseTime reads a column written by FormatTime. NULL yields nil.
func ParseTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, errors.Wrapf(err, "parse stored time %q", ns.String)
	}
	t = t.UTC()
	return &t, nil
}
