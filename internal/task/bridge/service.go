package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	rtsup "pipeorch/internal/runtime/supervisor"
	logx "pipeorch/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q      chan request
	sup    *rtsup.Supervisor
	stopCh chan struct{}
	// drained is closed once Stop has answered every queued request.
	drained    chan struct{}
	cancelWork context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem

	idSeq     uint64
	inFlight  int32
	submitted uint64
	completed uint64
	failed    uint64
	timedOut  uint64
	inline    uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log}
}

// Start launches the workers. Work runs on a context detached from ctx: only
// Stop ends the workers, and only an expired Stop deadline cancels work in hand.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg

	s.q = make(chan request, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	queue := s.q

	s.drained = make(chan struct{})
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelWork = cancelWork
	s.sup = rtsup.New(workCtx,
		rtsup.WithLogger(s.log),
		// A worker failure must not take the runtime down.
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("bridge.worker.%d", i)
		s.sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("bridge started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops taking work and waits up to ctx for tasks in hand to finish.
// Past the deadline their context is cancelled. Requests still queued are
// answered with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup, queue, drained, cancelWork := s.sup, s.q, s.drained, s.cancelWork
	s.stopCh, s.sup, s.q, s.drained, s.cancelWork = nil, nil, nil, nil, nil
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("bridge stop deadline reached; cancelling tasks in flight", logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))))
		cancelWork()
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}
	cancelWork()
	sup.Cancel()

	drainedN := 0
	for {
		select {
		case r := <-queue:
			r.done <- errors.Wrapf(ErrStopped, "request %s", r.name)
			drainedN++
			continue
		default:
		}
		break
	}
	close(drained)
	s.log.Info("bridge stopped", logx.Int("drained", drainedN))
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// Submit hands fn to the runtime and waits up to timeout for it to finish.
// Giving up (timeout or ctx) does not cancel fn. When the runtime is not
// running fn runs synchronously on the caller's goroutine.
func (s *Service) Submit(ctx context.Context, name string, timeout time.Duration, fn Func) error {
	if fn == nil {
		return errors.New("bridge: nil func")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "anonymous"
	}

	s.mu.Lock()
	q, stopCh, drained := s.q, s.stopCh, s.drained
	s.mu.Unlock()

	now := time.Now()
	id := s.newID(now)
	if q == nil {
		return s.runInline(ctx, id, name, fn)
	}

	atomic.AddUint64(&s.submitted, 1)
	req := request{id: id, name: name, fn: fn, enqueuedAt: now, done: make(chan error, 1)}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-stopCh:
		return errors.Wrapf(ErrStopped, "submit %s", name)
	default:
	}
	select {
	case q <- req:
	case <-deadline:
		return s.timeout(name, timeout, "queue")
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return errors.Wrapf(ErrStopped, "submit %s", name)
	}

	select {
	case err := <-req.done:
		return err
	case <-drained:
		// The send may have landed after Stop drained the queue.
		select {
		case err := <-req.done:
			return err
		default:
			return errors.Wrapf(ErrStopped, "submit %s", name)
		}
	case <-deadline:
		return s.timeout(name, timeout, "run")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) timeout(name string, timeout time.Duration, phase string) error {
	atomic.AddUint64(&s.timedOut, 1)
	s.log.Warn("bridge acknowledgement timed out", logx.String("task", name), logx.String("phase", phase), logx.Duration("timeout", timeout))
	return errors.Wrapf(ErrAcceptTimeout, "%s after %s", name, timeout)
}

// runInline is the fallback path when no runtime is running.
func (s *Service) runInline(ctx context.Context, id, name string, fn Func) error {
	atomic.AddUint64(&s.inline, 1)
	s.log.Debug("bridge not running; executing inline", logx.String("task", name))
	start := time.Now()
	err := safeRun(ctx, fn)
	s.finish(HistoryItem{ID: id, Name: name, Started: start, Duration: time.Since(start), Inline: true}, err)
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:   running,
		Workers:   cfg.Workers,
		QueueLen:  ql,
		QueueCap:  qc,
		InFlight:  int(atomic.LoadInt32(&s.inFlight)),
		Submitted: atomic.LoadUint64(&s.submitted),
		Completed: atomic.LoadUint64(&s.completed),
		Failed:    atomic.LoadUint64(&s.failed),
		TimedOut:  atomic.LoadUint64(&s.timedOut),
		Inline:    atomic.LoadUint64(&s.inline),
		History:   h,
	}
}

func (s *Service) newID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("brg-%x-%x", now.UnixNano(), seq)
}
