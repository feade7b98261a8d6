package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipeorch/internal/eventbus"
	"pipeorch/internal/jobstore"
	rtsup "pipeorch/internal/runtime/supervisor"
	"pipeorch/internal/trigger"
	logx "pipeorch/pkg/logx"
)

// idleWait is how long the loop sleeps when nothing is due. Register wakes it early.
const idleWait = time.Hour

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	firer    Firer
	registry Registry
	now      func() time.Time

	entries   map[string]*entry
	running   bool
	startedAt time.Time
	wake      chan struct{}
	sup       *rtsup.Supervisor

	// Firings outlive Stop's loop cancellation; they are only cut short when
	// the Stop deadline expires.
	fireCtx    context.Context
	fireCancel context.CancelFunc
	firing     sync.WaitGroup

	warnMu       sync.Mutex
	lastFireWarn map[string]time.Time
}

type entry struct {
	job           jobstore.Job
	trig          *trigger.Trigger
	next          time.Time
	lastScheduled time.Time
	state         *RunState
}

// due is a snapshot of one entry taken under the lock.
type due struct {
	job       jobstore.Job
	scheduled time.Time
	next      time.Time
	state     *RunState
	startedAt time.Time
}

// New builds a stopped engine. registry may be nil (nothing is persisted and
// every claim succeeds).
func New(cfg Config, firer Firer, registry Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = uuid.NewString()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:          cfg,
		log:          log,
		bus:          bus,
		firer:        firer,
		registry:     registry,
		now:          func() time.Time { return now().UTC() },
		entries:      map[string]*entry{},
		lastFireWarn: map[string]time.Time{},
	}
}

// InstanceID is the owner string written to claims.
func (s *Service) InstanceID() string { return s.cfg.InstanceID }

// Start launches the timer loop. A second Start is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.start(ctx, true)
}

func (s *Service) start(ctx context.Context, loop bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("start requested while already running")
		return
	}
	s.log.Debug("start requested", logx.String("instance", s.cfg.InstanceID))

	s.running = true
	s.startedAt = s.now()
	s.wake = make(chan struct{}, 1)
	s.fireCtx, s.fireCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	if loop {
		s.sup.GoRestart("scheduler.loop", func(ctx context.Context) error {
			s.loop(ctx)
			return nil
		}, rtsup.WithStopOnCleanExit(true), rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}
	s.log.Info("service started", logx.Time("started_at", s.startedAt))
}

// Stop stops the loop, waits for in-flight firings and drops the live set.
// Persisted registrations stay; the next Start rebuilds from stored jobs.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.log.Info("stop requested")
	s.running = false
	sup := s.sup
	fireCancel := s.fireCancel
	s.sup = nil
	s.entries = map[string]*entry{}
	s.mu.Unlock()

	var err error
	if sup != nil {
		sup.Cancel()
		err = sup.Wait(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.firing.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop deadline reached; abandoning in-flight firings", logx.Err(ctx.Err()))
		fireCancel()
		if err == nil {
			err = ctx.Err()
		}
	}
	fireCancel()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Running reports whether the engine accepts registrations.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartedAt is the instant of the last Start; zero while stopped.
func (s *Service) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.startedAt
}

func (s *Service) loop(ctx context.Context) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		now := s.now()
		s.runDue(ctx, now)

		wait := idleWait
		if next, ok := s.earliest(); ok {
			wait = next.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		s.mu.Lock()
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

func (s *Service) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var min time.Time
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if min.IsZero() || e.next.Before(min) {
			min = e.next
		}
	}
	return min, !min.IsZero()
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runDue fires every entry whose next instant is not after now. Missed
// instants coalesce: next is recomputed from now, not from the old instant.
func (s *Service) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	var batch []due
	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		scheduled := e.next
		e.lastScheduled = scheduled
		e.next = e.trig.Next(now)
		batch = append(batch, due{
			job:       e.job.Clone(),
			scheduled: scheduled,
			next:      e.next,
			state:     e.state,
			startedAt: s.startedAt,
		})
	}
	fireCtx := s.fireCtx
	s.mu.Unlock()

	for _, d := range batch {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(fireCtx, d)
	}
}

func (s *Service) dispatch(ctx context.Context, d due) {
	log := s.log.With(logx.String("job_id", d.job.ID), logx.String("pipeline", d.job.PipelineName))
	if !d.state.tryAcquire() {
		log.Info("firing skipped; previous firing still running", logx.Time("scheduled_at", d.scheduled))
		s.record(ctx, d, jobstore.StatusSkipped, "previous firing still running")
		s.publish(eventbus.JobSkipped, d, "overlap", "")
		return
	}

	s.firing.Add(1)
	go func() {
		defer s.firing.Done()
		defer d.state.release()
		s.fire(ctx, log, d)
	}()
}

func (s *Service) fire(ctx context.Context, log logx.Logger, d due) {
	req := FireRequest{Job: d.job, ScheduledAt: d.scheduled, EngineStartedAt: d.startedAt}
	if pc, ok := s.firer.(Prechecker); ok {
		// Another instance may still own this instant; leave the claim to it.
		if err := pc.Precheck(req); err != nil {
			log.Info("firing skipped before claim", logx.Time("scheduled_at", d.scheduled), logx.String("reason", err.Error()))
			s.publish(eventbus.JobSkipped, d, err.Error(), "")
			return
		}
	}
	if s.registry != nil {
		claimed, err := s.registry.ClaimFire(ctx, d.job.ID, d.scheduled, s.cfg.InstanceID)
		if err != nil {
			log.Error("claim failed; firing dropped", logx.Time("scheduled_at", d.scheduled), logx.Err(err))
			s.publish(eventbus.JobFailed, d, "claim", err.Error())
			return
		}
		if !claimed {
			log.Debug("instant already claimed", logx.Time("scheduled_at", d.scheduled))
			s.publish(eventbus.JobSkipped, d, "claimed", "")
			return
		}
	}

	err := s.safeFire(ctx, req)
	switch {
	case err == nil:
		log.Info("job fired", logx.Time("scheduled_at", d.scheduled))
		s.record(ctx, d, jobstore.StatusFired, "")
		s.publish(eventbus.JobFired, d, "", "")
	case isSkip(err):
		log.Info("firing skipped", logx.Time("scheduled_at", d.scheduled), logx.String("reason", err.Error()))
		s.record(ctx, d, jobstore.StatusSkipped, err.Error())
		s.publish(eventbus.JobSkipped, d, err.Error(), "")
	default:
		s.reportFireError(log, d.job.ID, err)
		s.record(ctx, d, jobstore.StatusFailed, err.Error())
		s.publish(eventbus.JobFailed, d, "", err.Error())
	}
}

func (s *Service) safeFire(ctx context.Context, req FireRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	if s.firer == nil {
		return nil
	}
	return s.firer.Fire(ctx, req)
}

func (s *Service) record(ctx context.Context, d due, status, errText string) {
	if s.registry == nil {
		return
	}
	var next *time.Time
	if !d.next.IsZero() {
		n := d.next
		next = &n
	}
	rec := jobstore.FireRecord{JobID: d.job.ID, ScheduledAt: d.scheduled, FiredAt: s.now(), Status: status, Error: errText}
	if err := s.registry.RecordFire(ctx, rec, next); err != nil {
		s.log.Error("record fire failed", logx.String("job_id", d.job.ID), logx.String("status", status), logx.Err(err))
	}
}

func (s *Service) publish(typ string, d due, reason, errText string) {
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.now(),
		Data: eventbus.JobEvent{
			JobID:       d.job.ID,
			Pipeline:    d.job.PipelineName,
			ScheduledAt: d.scheduled,
			Reason:      reason,
			Err:         errText,
		},
	})
}
