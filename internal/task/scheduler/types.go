package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/jobstore"
)

var (
	// ErrUnavailable is returned by Register/Unregister while the engine is stopped.
	ErrUnavailable = errors.New("scheduler unavailable")
	// ErrSkipped marks Firer errors that mean "deliberately not fired".
	ErrSkipped = errors.New("firing skipped")
)

// Config controls the scheduling engine.
type Config struct {
	// InstanceID is written as the owner of claims and registrations.
	InstanceID string
	// Now is the engine clock. Nil means time.Now.
	Now func() time.Time
}

// FireRequest is handed to the Firer for every claimed instant.
type FireRequest struct {
	Job             jobstore.Job
	ScheduledAt     time.Time
	EngineStartedAt time.Time
}

// Firer performs one firing. Returning an error marked ErrSkipped records the
// instant as skipped instead of failed.
type Firer interface {
	Fire(ctx context.Context, req FireRequest) error
}

// Prechecker lets a Firer veto an instant before the engine claims it.
// A non-nil error skips the instant without touching the registry.
type Prechecker interface {
	Precheck(req FireRequest) error
}

type FirerFunc func(ctx context.Context, req FireRequest) error

func (f FirerFunc) Fire(ctx context.Context, req FireRequest) error { return f(ctx, req) }

// Registry is the persisted side of live registrations (jobstore.Store).
type Registry interface {
	UpsertRegistration(ctx context.Context, jobID string, next *time.Time, owner string) error
	DeleteRegistration(ctx context.Context, jobID string) error
	ClaimFire(ctx context.Context, jobID string, scheduledAt time.Time, owner string) (bool, error)
	RecordFire(ctx context.Context, rec jobstore.FireRecord, next *time.Time) error
}

// EntryInfo is a read-only view of one live registration.
type EntryInfo struct {
	JobID         string    `json:"job_id"`
	Pipeline      string    `json:"pipeline"`
	Trigger       string    `json:"trigger"`
	Next          time.Time `json:"next,omitempty"`
	LastScheduled time.Time `json:"last_scheduled,omitempty"`
	Running       bool      `json:"running"`
}

// RunState tracks whether a job already has a firing in flight.
// A due instant that finds it busy is skipped, never queued.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}
