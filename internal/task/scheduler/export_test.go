package scheduler

import (
	"context"
	"time"
)

// StartManual starts the engine without its loop; tests step it with Tick.
func (s *Service) StartManual(ctx context.Context) { s.start(ctx, false) }

// Tick runs one loop iteration at now and waits for the firings it started.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	s.runDue(ctx, now)
	s.firing.Wait()
}
