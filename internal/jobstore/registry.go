package jobstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/storage"
	logx "pipeorch/pkg/logx"
)

const claimAttempts = 3

const registrationColumns = `job_id, next_run_at, last_scheduled_at, last_fired_at, last_status, last_error, fire_count, owner, version, updated_at`

// UpsertRegistration records that owner holds a live timer for jobID with the given next fire.
func (s *Store) UpsertRegistration(ctx context.Context, jobID string, next *time.Time, owner string) error {
	now := storage.FormatTime(s.now())
	return s.db.Do(ctx, "upsert registration", func(ctx context.Context) error {
		_, err := s.db.SQL().ExecContext(ctx,
			`INSERT INTO job_registrations (job_id, next_run_at, owner, version, updated_at) VALUES (?,?,?,1,?)
			 ON CONFLICT(job_id) DO UPDATE SET next_run_at = excluded.next_run_at, owner = excluded.owner,
			 version = job_registrations.version + 1, updated_at = excluded.updated_at`,
			jobID, storage.NullTime(next), storage.NullStr(owner), now,
		)
		return err
	})
}

func (s *Store) DeleteRegistration(ctx context.Context, jobID string) error {
	return s.db.Do(ctx, "delete registration", func(ctx context.Context) error {
		_, err := s.db.SQL().ExecContext(ctx, `DELETE FROM job_registrations WHERE job_id = ?`, jobID)
		return err
	})
}

// GetRegistration returns ok=false when the job has no registration row.
func (s *Store) GetRegistration(ctx context.Context, jobID string) (Registration, bool, error) {
	var r Registration
	err := s.db.Do(ctx, "get registration", func(ctx context.Context) error {
		row := s.db.SQL().QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM job_registrations WHERE job_id = ?`, jobID)
		var err error
		r, err = scanRegistration(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, err
	}
	return r, true, nil
}

// ClaimFire atomically marks scheduledAt as taken by owner. It returns false when
// this or another instance already claimed that instant (or a later one).
//
// The write is a compare-and-set on the row version; a lost race re-reads and
// re-checks, so two processes sharing the database never both win.
func (s *Store) ClaimFire(ctx context.Context, jobID string, scheduledAt time.Time, owner string) (bool, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		claimed, err := s.tryClaim(ctx, jobID, scheduledAt, owner)
		if errors.Is(err, ErrConflict) {
			s.log.Debug("claim conflict; retrying", logx.String("job_id", jobID), logx.Int("attempt", attempt+1))
			continue
		}
		return claimed, err
	}
	return false, errors.Wrapf(ErrConflict, "claim fire for job %s", jobID)
}

func (s *Store) tryClaim(ctx context.Context, jobID string, scheduledAt time.Time, owner string) (bool, error) {
	var claimed bool
	err := s.db.Do(ctx, "claim fire", func(ctx context.Context) error {
		claimed = false
		var (
			version int64
			last    sql.NullString
		)
		err := s.db.SQL().QueryRowContext(ctx,
			`SELECT version, last_scheduled_at FROM job_registrations WHERE job_id = ?`, jobID).Scan(&version, &last)

		at := storage.FormatTime(scheduledAt)
		now := storage.FormatTime(s.now())

		var res sql.Result
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err = s.db.SQL().ExecContext(ctx,
				`INSERT INTO job_registrations (job_id, last_scheduled_at, owner, version, updated_at) VALUES (?,?,?,1,?)
				 ON CONFLICT(job_id) DO NOTHING`,
				jobID, at, storage.NullStr(owner), now)
		case err != nil:
			return err
		default:
			// Fixed-width text compares like the instant it encodes.
			if last.Valid && last.String >= at {
				return nil
			}
			res, err = s.db.SQL().ExecContext(ctx,
				`UPDATE job_registrations SET last_scheduled_at = ?, owner = ?, version = version + 1, updated_at = ?
				 WHERE job_id = ? AND version = ?`,
				at, storage.NullStr(owner), now, jobID, version)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// RecordFire stores the outcome of a firing, moves the next-fire cache forward,
// appends to job_fire_log and prunes it to the newest rows.
func (s *Store) RecordFire(ctx context.Context, rec FireRecord, next *time.Time) error {
	if rec.FiredAt.IsZero() {
		rec.FiredAt = s.now()
	}
	attempted := 0
	if rec.Status != StatusSkipped {
		attempted = 1
	}
	return s.db.Tx(ctx, "record fire", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE job_registrations SET last_fired_at = ?, last_status = ?, last_error = ?,
			 fire_count = fire_count + ?, next_run_at = ?, version = version + 1, updated_at = ?
			 WHERE job_id = ?`,
			storage.FormatTime(rec.FiredAt), rec.Status, storage.NullStr(rec.Error),
			attempted, storage.NullTime(next), storage.FormatTime(s.now()), rec.JobID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errors.Wrapf(ErrJobNotFound, "registration for job %s", rec.JobID)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_fire_log (job_id, scheduled_at, fired_at, status, error) VALUES (?,?,?,?,?)`,
			rec.JobID, storage.FormatTime(rec.ScheduledAt), storage.FormatTime(rec.FiredAt),
			rec.Status, storage.NullStr(rec.Error)); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM job_fire_log WHERE job_id = ? AND id NOT IN (
			   SELECT id FROM job_fire_log WHERE job_id = ? ORDER BY id DESC LIMIT ?)`,
			rec.JobID, rec.JobID, s.fireLogKeep)
		return err
	})
}

// FireLog returns up to limit records for jobID, newest first.
func (s *Store) FireLog(ctx context.Context, jobID string, limit int) ([]FireRecord, error) {
	if limit <= 0 {
		limit = s.fireLogKeep
	}
	var out []FireRecord
	err := s.db.Do(ctx, "fire log", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.SQL().QueryContext(ctx,
			`SELECT id, job_id, scheduled_at, fired_at, status, error FROM job_fire_log
			 WHERE job_id = ? ORDER BY id DESC LIMIT ?`, jobID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r                FireRecord
				scheduled, fired string
				errText          sql.NullString
			)
			if err := rows.Scan(&r.ID, &r.JobID, &scheduled, &fired, &r.Status, &errText); err != nil {
				return err
			}
			sa, err := storage.ParseTime(sql.NullString{String: scheduled, Valid: true})
			if err != nil {
				return err
			}
			fa, err := storage.ParseTime(sql.NullString{String: fired, Valid: true})
			if err != nil {
				return err
			}
			r.ScheduledAt, r.FiredAt, r.Error = *sa, *fa, errText.String
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func scanRegistration(r scanner) (Registration, error) {
	var (
		reg                    Registration
		next, last, fired      sql.NullString
		status, errText, owner sql.NullString
		updated                string
	)
	if err := r.Scan(&reg.JobID, &next, &last, &fired, &status, &errText, &reg.FireCount, &owner, &reg.Version, &updated); err != nil {
		return Registration{}, err
	}
	var err error
	if reg.NextRunAt, err = storage.ParseTime(next); err != nil {
		return Registration{}, err
	}
	if reg.LastScheduledAt, err = storage.ParseTime(last); err != nil {
		return Registration{}, err
	}
	if reg.LastFiredAt, err = storage.ParseTime(fired); err != nil {
		return Registration{}, err
	}
	reg.LastStatus, reg.LastError, reg.Owner = status.String, errText.String, owner.String
	u, err := storage.ParseTime(sql.NullString{String: updated, Valid: true})
	if err != nil {
		return Registration{}, err
	}
	reg.UpdatedAt = *u
	return reg, nil
}
