package bridge

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "pipeorch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan request) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case r := <-queue:
			s.execOne(ctx, r)
		}
	}
}

func (s *Service) execOne(ctx context.Context, r request) {
	start := time.Now()
	queueDelay := start.Sub(r.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	s.log.Debug("task.started", logx.String("task", r.name), logx.Duration("queue_delay", queueDelay))

	atomic.AddInt32(&s.inFlight, 1)
	err := safeRun(ctx, r.fn)
	atomic.AddInt32(&s.inFlight, -1)

	r.done <- err
	s.finish(HistoryItem{ID: r.id, Name: r.name, Started: start, QueueDelay: queueDelay, Duration: time.Since(start)}, err)
}

// safeRun turns a panic in fn into an error so one bad task cannot kill a worker.
func safeRun(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (s *Service) finish(item HistoryItem, err error) {
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		item.Error = err.Error()
		s.log.Debug("task.failed", logx.String("task", item.Name), logx.Duration("dur", item.Duration), logx.Err(err))
	} else {
		atomic.AddUint64(&s.completed, 1)
		if item.Duration >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", item.Name), logx.Duration("queue_delay", item.QueueDelay), logx.Duration("dur", item.Duration))
		} else {
			s.log.Debug("task.completed", logx.String("task", item.Name), logx.Duration("queue_delay", item.QueueDelay), logx.Duration("dur", item.Duration))
		}
	}

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
