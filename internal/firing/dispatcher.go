package firing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/pipeline"
	"pipeorch/internal/task/bridge"
	"pipeorch/internal/task/scheduler"
	logx "pipeorch/pkg/logx"
)

// ErrSubmissionFailed marks a firing that could not be handed off.
var ErrSubmissionFailed = errors.New("execution submission failed")

// Resolver is the pipeline lookup (pipeline.Catalog).
type Resolver interface {
	Resolve(ctx context.Context, name string) (*pipeline.Pipeline, error)
}

// Submitter hands work to the execution runtime (bridge.Service).
type Submitter interface {
	Submit(ctx context.Context, name string, timeout time.Duration, fn bridge.Func) error
}

// Notifier receives firing failures (notifier.Service).
type Notifier interface {
	NotifySchedulerFailure(pipeline, errText string)
}

type Config struct {
	GracePeriod    time.Duration
	AcceptTimeout  time.Duration
	RestartTimeout time.Duration
	// Now is the clock used for the grace check. Nil means time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 30 * time.Second
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 120 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Dispatcher is the scheduler's Firer.
type Dispatcher struct {
	cfg       Config
	guard     Guard
	pipelines Resolver
	handlers  *Registry
	runtime   Submitter
	notify    Notifier
	log       logx.Logger
}

func NewDispatcher(cfg Config, pipelines Resolver, handlers *Registry, runtime Submitter, notify Notifier, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:       cfg,
		guard:     Guard{Window: cfg.GracePeriod},
		pipelines: pipelines,
		handlers:  handlers,
		runtime:   runtime,
		notify:    notify,
		log:       log,
	}
}

// Fire runs one firing. Skips come back marked scheduler.ErrSkipped; failures
// are marked ErrSubmissionFailed and have already been notified.
func (d *Dispatcher) Fire(ctx context.Context, req scheduler.FireRequest) error {
	job := req.Job
	log := d.log.With(logx.String("job_id", job.ID), logx.String("pipeline", job.PipelineName))

	if err := d.Precheck(req); err != nil {
		log.Info("firing skipped: startup grace window", logx.Duration("grace", d.cfg.GracePeriod))
		return err
	}

	p, err := d.pipelines.Resolve(ctx, job.PipelineName)
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		log.Info("firing skipped: pipeline not found")
		return skipped("pipeline not found")
	case err != nil:
		return d.fail(log, job.PipelineName, errors.Wrap(err, "resolve pipeline"))
	case !p.IsEnabled():
		log.Info("firing skipped: pipeline disabled")
		return skipped("pipeline disabled")
	}

	key := Key{Source: job.Source, Kind: job.TriggerKind}
	h, ok := d.handlers.Lookup(key)
	if !ok {
		return d.fail(log, job.PipelineName, errors.Newf("no handler for %s", key))
	}

	timeout := d.cfg.AcceptTimeout
	if h.Restart {
		timeout = d.cfg.RestartTimeout
	}
	err = d.runtime.Submit(ctx, h.Name+":"+job.ID, timeout, func(rctx context.Context) error {
		return h.Fn(rctx, job)
	})
	if err != nil {
		return d.fail(log, job.PipelineName, err)
	}
	log.Debug("submission accepted", logx.String("handler", h.Name))
	return nil
}

// Precheck applies the startup grace guard. The engine calls it before
// claiming the instant.
func (d *Dispatcher) Precheck(req scheduler.FireRequest) error {
	if !d.guard.Allow(req.EngineStartedAt, d.cfg.Now()) {
		return skipped("startup grace window")
	}
	return nil
}

func (d *Dispatcher) fail(log logx.Logger, pipelineName string, err error) error {
	err = errors.Mark(errors.Wrap(err, "fire"), ErrSubmissionFailed)
	log.Debug("submission failed; notifying", logx.Err(err))
	if d.notify != nil {
		d.notify.NotifySchedulerFailure(pipelineName, err.Error())
	}
	return err
}

func skipped(reason string) error {
	return errors.Mark(errors.New(reason), scheduler.ErrSkipped)
}

var (
	_ scheduler.Firer      = (*Dispatcher)(nil)
	_ scheduler.Prechecker = (*Dispatcher)(nil)
)
