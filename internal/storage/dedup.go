package storage

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// DedupStore persists notifier dedup windows so a restart does not re-send
// a notification that was just delivered.
type DedupStore struct {
	db *DB

	opCount    atomic.Uint64
	pruneEvery uint64
}

func NewDedupStore(db *DB) *DedupStore {
	return &DedupStore{db: db, pruneEvery: 500}
}

func (s *DedupStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	err := s.db.Do(ctx, "put dedup", func(ctx context.Context) error {
		_, err := s.db.sql.ExecContext(ctx,
			`INSERT INTO notifier_dedup(key, until) VALUES(?,?)
			 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
			key, until.UnixMilli(),
		)
		return err
	})
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *DedupStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.Do(ctx, "get dedup", func(ctx context.Context) error {
		return s.db.sql.QueryRowContext(ctx, `SELECT until FROM notifier_dedup WHERE key = ?`, key).Scan(&ms)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *DedupStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.sql.ExecContext(ctx, `DELETE FROM notifier_dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
