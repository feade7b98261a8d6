package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"pipeorch/internal/jobstore"
	"pipeorch/internal/pipeline"
	"pipeorch/internal/task/scheduler"
	logx "pipeorch/pkg/logx"
)

type Service struct {
	store     Store
	engine    Engine
	pipelines Resolver
	log       logx.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDs(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// New builds the service. engine may be nil for storage-only use (CLI).
func New(store Store, engine Engine, pipelines Resolver, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:     store,
		engine:    engine,
		pipelines: pipelines,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create validates and persists a job, then registers it when enabled.
func (s *Service) Create(ctx context.Context, p CreateParams) (jobstore.Job, error) {
	if !p.Source.Valid() {
		return jobstore.Job{}, errors.Newf("unknown job source %q", p.Source)
	}
	name := strings.TrimSpace(p.PipelineName)
	if err := s.resolve(ctx, name); err != nil {
		return jobstore.Job{}, err
	}
	j := jobstore.Job{
		ID:           s.newID(),
		PipelineName: name,
		TriggerKind:  p.TriggerKind,
		TriggerValue: strings.TrimSpace(p.TriggerValue),
		Enabled:      p.Enabled,
		StartDate:    p.Window.Start,
		EndDate:      p.Window.End,
		Source:       p.Source,
		RunConfigID:  p.RunConfigID,
		CreatedAt:    s.now().UTC(),
	}
	j = j.Clone()
	if _, err := j.Trigger(); err != nil {
		return jobstore.Job{}, err
	}
	if err := s.store.Create(ctx, j); err != nil {
		return jobstore.Job{}, errors.Wrap(err, "create job")
	}
	s.log.Info("job created",
		logx.String("job_id", j.ID),
		logx.String("pipeline", j.PipelineName),
		logx.String("source", string(j.Source)),
		logx.String("trigger", string(j.TriggerKind)+" "+j.TriggerValue),
		logx.Bool("enabled", j.Enabled),
	)
	s.sync(ctx, j)
	return j, nil
}

// Update applies a partial change. The resulting trigger is validated as a
// whole before anything is written.
func (s *Service) Update(ctx context.Context, id string, p Patch) (jobstore.Job, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return jobstore.Job{}, err
	}
	if p.Empty() {
		return cur, nil
	}
	next := p.applyTo(cur)
	next.PipelineName = strings.TrimSpace(next.PipelineName)
	next.TriggerValue = strings.TrimSpace(next.TriggerValue)
	if next.PipelineName != cur.PipelineName {
		if err := s.resolve(ctx, next.PipelineName); err != nil {
			return jobstore.Job{}, err
		}
	}
	if _, err := next.Trigger(); err != nil {
		return jobstore.Job{}, err
	}
	if err := s.store.Update(ctx, next); err != nil {
		return jobstore.Job{}, errors.Wrap(err, "update job")
	}
	s.log.Info("job updated",
		logx.String("job_id", next.ID),
		logx.String("pipeline", next.PipelineName),
		logx.Bool("enabled", next.Enabled),
	)
	s.sync(ctx, next)
	return next, nil
}

// Delete unregisters then removes the row. A missing id writes nothing.
func (s *Service) Delete(ctx context.Context, id string) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.engine != nil {
		if err := s.engine.Unregister(ctx, id); err != nil && !errors.Is(err, scheduler.ErrUnavailable) {
			return errors.Wrap(err, "unregister job")
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete job")
	}
	s.log.Info("job deleted", logx.String("job_id", id), logx.String("pipeline", j.PipelineName))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (View, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(j), nil
}

func (s *Service) List(ctx context.Context, f jobstore.Filter) ([]View, error) {
	all, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(all))
	for _, j := range all {
		out = append(out, s.view(j))
	}
	return out, nil
}

// Restore rebuilds the live set from storage: every enabled job is registered
// and stale registrations of disabled jobs are dropped. Per-job failures are
// logged and counted.
func (s *Service) Restore(ctx context.Context) (restored, failed int, err error) {
	if s.engine == nil || !s.engine.Running() {
		return 0, 0, errors.Wrap(scheduler.ErrUnavailable, "restore jobs")
	}
	all, err := s.store.List(ctx, jobstore.Filter{})
	if err != nil {
		return 0, 0, errors.Wrap(err, "list jobs")
	}
	for _, j := range all {
		if !j.Enabled {
			_ = s.engine.Unregister(ctx, j.ID)
			continue
		}
		if err := s.engine.Register(ctx, j); err != nil {
			failed++
			s.log.Warn("restore job failed", logx.String("job_id", j.ID), logx.String("pipeline", j.PipelineName), logx.Err(err))
			continue
		}
		restored++
	}
	s.log.Info("jobs restored", logx.Int("registered", restored), logx.Int("failed", failed), logx.Int("total", len(all)))
	return restored, failed, nil
}

func (s *Service) resolve(ctx context.Context, name string) error {
	if name == "" {
		return errors.Wrap(ErrPipelineNotFound, "pipeline name is required")
	}
	if s.pipelines == nil {
		return nil
	}
	_, err := s.pipelines.Resolve(ctx, name)
	if errors.Is(err, pipeline.ErrNotFound) {
		return errors.Mark(errors.Wrapf(err, "pipeline %s", name), ErrPipelineNotFound)
	}
	return err
}

// sync makes the live registration follow the persisted row. Failures only
// log; the row is the source of truth and the next start re-derives it.
func (s *Service) sync(ctx context.Context, j jobstore.Job) {
	if s.engine == nil || !s.engine.Running() {
		s.log.Debug("live registration deferred", logx.String("job_id", j.ID))
		return
	}
	var err error
	if j.Enabled {
		err = s.engine.Register(ctx, j)
	} else {
		err = s.engine.Unregister(ctx, j.ID)
	}
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrUnavailable):
		s.log.Debug("live registration deferred", logx.String("job_id", j.ID))
	default:
		s.log.Warn("live registration failed", logx.String("job_id", j.ID), logx.Err(err))
	}
}

func (s *Service) view(j jobstore.Job) View {
	v := View{Job: j}
	if s.engine != nil {
		if e, ok := s.engine.Get(j.ID); ok {
			v.Live = true
			v.Running = e.Running
			if !e.Next.IsZero() {
				n := e.Next
				v.NextFireAt = &n
			}
			return v
		}
	}
	if !j.Enabled {
		return v
	}
	trig, err := j.Trigger()
	if err != nil {
		return v
	}
	if n := trig.Next(s.now()); !n.IsZero() {
		v.NextFireAt = &n
	}
	return v
}
