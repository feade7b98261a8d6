package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/jobstore"
	logx "pipeorch/pkg/logx"
)

// Register creates or replaces the live timer for job, keyed by job id, and
// persists the next fire instant. A disabled job is unregistered instead.
func (s *Service) Register(ctx context.Context, job jobstore.Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}
	if !job.Enabled {
		return s.Unregister(ctx, job.ID)
	}
	trig, err := job.Trigger()
	if err != nil {
		s.log.Warn("schedule rejected", logx.String("job_id", job.ID), logx.String("pipeline", job.PipelineName), logx.Err(err))
		return err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnavailable, "register job %s", job.ID)
	}
	now := s.now()
	e, replaced := s.entries[job.ID]
	if !replaced {
		// The run state outlives replacement so an in-flight firing still guards.
		e = &entry{state: &RunState{}}
		s.entries[job.ID] = e
	}
	e.job = job.Clone()
	e.trig = trig
	e.next = trig.Next(now)
	next := e.next
	if s.log.Enabled(logx.LevelDebug) {
		s.previewNextRunsLocked(e, now)
	}
	s.signal()
	s.mu.Unlock()

	s.log.Info("schedule registered",
		logx.String("job_id", job.ID),
		logx.String("pipeline", job.PipelineName),
		logx.String("trigger", trig.Describe()),
		logx.Bool("replaced", replaced),
		logx.NextFire("next", next),
	)

	if s.registry != nil {
		var np *time.Time
		if !next.IsZero() {
			np = &next
		}
		if err := s.registry.UpsertRegistration(ctx, job.ID, np, s.cfg.InstanceID); err != nil {
			// The live timer is authoritative; the persisted row is a cache.
			s.log.Warn("persist registration failed", logx.String("job_id", job.ID), logx.Err(err))
		}
	}
	return nil
}

// Unregister removes the live timer and its registration row. Unknown ids are a no-op.
func (s *Service) Unregister(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnavailable, "unregister job %s", jobID)
	}
	_, existed := s.entries[jobID]
	delete(s.entries, jobID)
	s.signal()
	s.mu.Unlock()

	if existed {
		s.log.Info("schedule removed", logx.String("job_id", jobID))
	}
	if s.registry != nil {
		if err := s.registry.DeleteRegistration(ctx, jobID); err != nil {
			s.log.Warn("delete registration failed", logx.String("job_id", jobID), logx.Err(err))
		}
	}
	return nil
}

// Get returns the live entry for jobID.
func (s *Service) Get(jobID string) (EntryInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return EntryInfo{}, false
	}
	return e.info(), true
}

// List returns all live entries ordered by next fire (idle entries last).
func (s *Service) List() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Next, out[j].Next
		switch {
		case a.IsZero() != b.IsZero():
			return !a.IsZero()
		case !a.Equal(b):
			return a.Before(b)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		JobID:         e.job.ID,
		Pipeline:      e.job.PipelineName,
		Trigger:       e.trig.Describe(),
		Next:          e.next,
		LastScheduled: e.lastScheduled,
		Running:       e.state.Running(),
	}
}

func (s *Service) previewNextRunsLocked(e *entry, now time.Time) {
	runs := e.trig.Preview(now, 3)
	out := make([]string, 0, len(runs))
	for _, t := range runs {
		out = append(out, t.Format(time.RFC3339))
	}
	s.log.Debug("next runs", logx.String("job_id", e.job.ID), logx.Any("next_runs", out))
}

