package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryPolicy bounds retries of transient (lock contention) failures.
type RetryPolicy struct {
	Attempts int           // total attempts including the first; default 5
	Base     time.Duration // first backoff; default 50ms
	MaxDelay time.Duration // backoff cap; default 1s
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 5
	}
	if p.Base <= 0 {
		p.Base = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Second
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	return p
}

// Retry runs fn until it succeeds, returns a non-transient error, or the policy
// is exhausted. Exhaustion and raw driver failures are marked ErrStorage; other
// errors (sentinels, sql.ErrNoRows) pass through untouched.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	backoff := p.Base
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			if isDriverError(err) {
				return errors.Mark(err, ErrStorage)
			}
			return err
		}
		if attempt >= p.Attempts {
			break
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Mark(errors.Wrap(ctx.Err(), "storage retry interrupted"), ErrStorage)
		case <-t.C:
		}
		backoff *= 2
		if backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}
	}
	return errors.Mark(errors.Wrapf(err, "giving up after %d attempts", p.Attempts), ErrStorage)
}

// IsTransient reports SQLITE_BUSY / SQLITE_LOCKED, including extended codes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	// Fallback: messages from wrapped or mocked drivers.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

func isDriverError(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se)
}
