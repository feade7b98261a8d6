package jobstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/storage"
	"pipeorch/internal/trigger"
	logx "pipeorch/pkg/logx"
)

// Store is the SQLite-backed job store.
type Store struct {
	db  *storage.DB
	log logx.Logger

	fireLogKeep int
	now         func() time.Time
}

type Option func(*Store)

// WithFireLogKeep bounds job_fire_log to the newest n rows per job.
func WithFireLogKeep(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.fireLogKeep = n
		}
	}
}

// WithClock overrides the time source used for updated_at/fired_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(db *storage.DB, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{db: db, log: log, fireLogKeep: 50, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

const jobColumns = `id, pipeline_name, trigger_kind, trigger_value, enabled, start_date, end_date, source, run_config_id, created_at`

func (s *Store) Create(ctx context.Context, j Job) error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	return s.db.Do(ctx, "create job", func(ctx context.Context) error {
		_, err := s.db.SQL().ExecContext(ctx,
			`INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			j.ID, j.PipelineName, string(j.TriggerKind), j.TriggerValue, j.Enabled,
			storage.NullTime(j.StartDate), storage.NullTime(j.EndDate), string(j.Source),
			nullStrPtr(j.RunConfigID), storage.FormatTime(j.CreatedAt),
		)
		return err
	})
}

func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	var j Job
	err := s.db.Do(ctx, "get job", func(ctx context.Context) error {
		row := s.db.SQL().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
		var err error
		j, err = scanJob(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return j, err
}

func (s *Store) List(ctx context.Context, f Filter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.PipelineName != "" {
		where = append(where, "pipeline_name = ?")
		args = append(args, f.PipelineName)
	}
	if len(f.Kinds) > 0 {
		ph := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ph[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "trigger_kind IN ("+strings.Join(ph, ",")+")")
	}
	if f.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	q := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	var out []Job
	err := s.db.Do(ctx, "list jobs", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.SQL().QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	return out, err
}

// Update overwrites every mutable column. created_at and source never change.
func (s *Store) Update(ctx context.Context, j Job) error {
	var n int64
	err := s.db.Do(ctx, "update job", func(ctx context.Context) error {
		res, err := s.db.SQL().ExecContext(ctx,
			`UPDATE scheduled_jobs SET pipeline_name = ?, trigger_kind = ?, trigger_value = ?, enabled = ?,
			 start_date = ?, end_date = ?, run_config_id = ? WHERE id = ?`,
			j.PipelineName, string(j.TriggerKind), j.TriggerValue, j.Enabled,
			storage.NullTime(j.StartDate), storage.NullTime(j.EndDate), nullStrPtr(j.RunConfigID), j.ID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrJobNotFound, "job %s", j.ID)
	}
	return nil
}

// Delete removes the row; registration and fire log rows cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	var n int64
	err := s.db.Do(ctx, "delete job", func(ctx context.Context) error {
		res, err := s.db.SQL().ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(r scanner) (Job, error) {
	var (
		j              Job
		kind, source   string
		start, end, rc sql.NullString
		createdAt      string
	)
	if err := r.Scan(&j.ID, &j.PipelineName, &kind, &j.TriggerValue, &j.Enabled,
		&start, &end, &source, &rc, &createdAt); err != nil {
		return Job{}, err
	}
	j.TriggerKind = trigger.Kind(kind)
	j.Source = Source(source)
	var err error
	if j.StartDate, err = storage.ParseTime(start); err != nil {
		return Job{}, err
	}
	if j.EndDate, err = storage.ParseTime(end); err != nil {
		return Job{}, err
	}
	if rc.Valid {
		v := rc.String
		j.RunConfigID = &v
	}
	ct, err := storage.ParseTime(sql.NullString{String: createdAt, Valid: true})
	if err != nil {
		return Job{}, err
	}
	j.CreatedAt = *ct
	return j, nil
}

// nullStrPtr keeps "" distinct from NULL: an empty run-config id is still a value.
func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
