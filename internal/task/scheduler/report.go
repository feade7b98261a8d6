package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"

	logx "pipeorch/pkg/logx"
)

const fireWarnThrottle = 5 * time.Second

func isSkip(err error) bool { return errors.Is(err, ErrSkipped) }

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "firing panicked")
	}
	return errors.Newf("firing panicked: %v", r)
}

// reportFireError logs a failed firing. A job failing every few seconds logs at
// most once per fireWarnThrottle; the rest go to debug.
func (s *Service) reportFireError(log logx.Logger, jobID string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastFireWarn[jobID]
	throttled := !last.IsZero() && now.Sub(last) < fireWarnThrottle
	if !throttled {
		s.lastFireWarn[jobID] = now
	}
	s.warnMu.Unlock()

	if throttled {
		log.Debug("firing failed", logx.Err(err))
		return
	}
	log.Warn("firing failed", logx.Err(err))
}
