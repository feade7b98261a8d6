// Package reconcile makes the manifest-owned job rows match what the
// discovered pipeline manifests declare. API rows are never touched.
package reconcile

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/eventbus"
	"pipeorch/internal/jobs"
	"pipeorch/internal/jobstore"
	"pipeorch/internal/pipeline"
	"pipeorch/internal/trigger"
	logx "pipeorch/pkg/logx"
)

// Result counts what one pass did.
type Result struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
	Unchanged int `json:"unchanged"`
}

// Changed reports whether the pass wrote anything.
func (r Result) Changed() bool { return r.Created+r.Updated+r.Deleted > 0 }

func (r *Result) add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Failed += o.Failed
	r.Unchanged += o.Unchanged
}

type Discoverer interface {
	DiscoverAll(ctx context.Context, force bool) ([]*pipeline.Pipeline, error)
}

type Lister interface {
	List(ctx context.Context, f jobstore.Filter) ([]jobstore.Job, error)
}

// Mutator is the shared CRUD surface (jobs.Service).
type Mutator interface {
	Create(ctx context.Context, p jobs.CreateParams) (jobstore.Job, error)
	Update(ctx context.Context, id string, p jobs.Patch) (jobstore.Job, error)
	Delete(ctx context.Context, id string) error
}

type Reconciler struct {
	mu sync.Mutex

	pipelines Discoverer
	rows      Lister
	jobs      Mutator
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
}

func New(pipelines Discoverer, rows Lister, mut Mutator, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Reconciler{pipelines: pipelines, rows: rows, jobs: mut, bus: bus, log: log, now: time.Now}
}

// SetClock overrides the time used to drop past one-off dates.
func (r *Reconciler) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

type desiredSet map[identity]jobs.CreateParams

// Run performs one full pass. Only discovery and row loading abort it;
// per-entry failures are logged, counted and skipped.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	ps, err := r.pipelines.DiscoverAll(ctx, true)
	if err != nil {
		return Result{}, errors.Wrap(err, "discover pipelines")
	}

	var res Result
	want := map[string]desiredSet{recurring.name: {}, runOnce.name: {}, restart.name: {}}
	res.Failed += r.desired(ps, want)

	for _, c := range []class{recurring, runOnce, restart} {
		stored, err := r.rows.List(ctx, c.filter)
		if err != nil {
			return res, errors.Wrapf(err, "load %s rows", c.name)
		}
		res.add(r.apply(ctx, c, want[c.name], stored))
	}

	r.log.Info("reconcile completed",
		logx.Int("pipelines", len(ps)),
		logx.Int("created", res.Created),
		logx.Int("updated", res.Updated),
		logx.Int("deleted", res.Deleted),
		logx.Int("failed", res.Failed),
		logx.Int("unchanged", res.Unchanged),
		logx.Duration("took", time.Since(start)),
	)
	r.bus.Publish(eventbus.Event{Type: eventbus.ReconcileCompleted, Data: res})
	return res, nil
}

// desired fills the three class sets from the manifests and returns the
// number of rejected declarations.
func (r *Reconciler) desired(ps []*pipeline.Pipeline, want map[string]desiredSet) (failed int) {
	now := r.now()
	for _, p := range ps {
		m := p.Manifest
		reject := func(what string, err error) {
			failed++
			r.log.Warn("manifest entry rejected", logx.String("pipeline", p.Name), logx.String("entry", what), logx.Err(err))
		}

		for _, s := range m.Schedules {
			kind, value, err := s.Trigger()
			if err != nil {
				reject("schedule "+s.ID, err)
				continue
			}
			w, err := s.Window()
			if err != nil {
				reject("schedule "+s.ID, err)
				continue
			}
			rc := s.RunConfigID()
			if !p.HasRunConfig(rc) {
				reject("schedule "+s.ID, errors.Newf("run config %q is not declared in run_configs", *rc))
				continue
			}
			key := identity{Pipeline: p.Name}
			if rc != nil {
				key.RunConfig, key.HasRunConfig = *rc, true
			}
			want[recurring.name][key] = jobs.CreateParams{
				PipelineName: p.Name,
				TriggerKind:  kind,
				TriggerValue: value,
				Enabled:      p.IsEnabled() && s.IsEnabled(),
				Window:       w,
				Source:       jobstore.SourceManifestSchedule,
				RunConfigID:  rc,
			}
		}

		if at := strings.TrimSpace(m.RunOnceAt); at != "" {
			t, err := trigger.ParseDateTime(at)
			switch {
			case err != nil:
				reject("run_once_at", err)
			case !t.After(now):
				r.log.Debug("run-once date passed; dropped", logx.String("pipeline", p.Name), logx.String("at", at))
			default:
				want[runOnce.name][identity{Pipeline: p.Name}] = jobs.CreateParams{
					PipelineName: p.Name,
					TriggerKind:  trigger.KindDate,
					TriggerValue: at,
					Enabled:      true,
					Source:       jobstore.SourceManifestSchedule,
				}
			}
		}

		if m.Daemon && m.Restart != nil {
			kind, value, err := m.Restart.Trigger()
			if err != nil {
				reject("restart", err)
				continue
			}
			want[restart.name][identity{Pipeline: p.Name}] = jobs.CreateParams{
				PipelineName: p.Name,
				TriggerKind:  kind,
				TriggerValue: value,
				Enabled:      true,
				Source:       jobstore.SourceManifestRestart,
			}
		}
	}
	return failed
}

// apply is the three-way diff for one class.
func (r *Reconciler) apply(ctx context.Context, c class, want desiredSet, stored []jobstore.Job) Result {
	var res Result
	log := r.log.With(logx.String("class", c.name))

	have := make(map[identity]jobstore.Job, len(stored))
	for _, j := range stored {
		if !j.Source.Managed() {
			continue
		}
		k := c.key(j)
		if _, dup := have[k]; dup {
			if err := r.jobs.Delete(ctx, j.ID); err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
				res.Failed++
				log.Warn("delete duplicate failed", logx.String("key", k.String()), logx.String("job_id", j.ID), logx.Err(err))
				continue
			}
			res.Deleted++
			log.Info("duplicate row deleted", logx.String("key", k.String()), logx.String("job_id", j.ID))
			continue
		}
		have[k] = j
	}

	for _, k := range sortedKeys(want) {
		p := want[k]
		cur, ok := have[k]
		if !ok {
			j, err := r.jobs.Create(ctx, p)
			if err != nil {
				res.Failed++
				log.Warn("create failed", logx.String("key", k.String()), logx.Err(err))
				continue
			}
			res.Created++
			log.Debug("row created", logx.String("key", k.String()), logx.String("job_id", j.ID))
			continue
		}
		patch, differs := c.patch(cur, p)
		if !differs {
			res.Unchanged++
			continue
		}
		if _, err := r.jobs.Update(ctx, cur.ID, patch); err != nil {
			res.Failed++
			log.Warn("update failed", logx.String("key", k.String()), logx.String("job_id", cur.ID), logx.Err(err))
			continue
		}
		res.Updated++
		log.Debug("row updated", logx.String("key", k.String()), logx.String("job_id", cur.ID))
	}

	for k, j := range have {
		if _, ok := want[k]; ok {
			continue
		}
		if err := r.jobs.Delete(ctx, j.ID); err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
			res.Failed++
			log.Warn("delete failed", logx.String("key", k.String()), logx.String("job_id", j.ID), logx.Err(err))
			continue
		}
		res.Deleted++
		log.Debug("row deleted", logx.String("key", k.String()), logx.String("job_id", j.ID))
	}
	return res
}

func sortedKeys(m desiredSet) []identity {
	out := make([]identity, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
