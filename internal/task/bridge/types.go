// Package bridge is the execution bridge: a set of long-lived workers that
// form the process's primary runtime. Other goroutines hand work to it with a
// bounded wait for acknowledgement.
package bridge

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrAcceptTimeout means the work was not acknowledged within the caller's deadline.
	// The work itself may still complete on the runtime.
	ErrAcceptTimeout = errors.New("bridge acceptance timed out")
	ErrStopped       = errors.New("bridge stopped")
)

// Config controls the bridge runtime.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Func is one unit of work. ctx is the runtime context, not the submitter's.
type Func func(ctx context.Context) error

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Inline     bool          `json:"inline,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Submitted uint64
	Completed uint64
	Failed    uint64
	TimedOut  uint64
	Inline    uint64

	History []HistoryItem
}

type request struct {
	id         string
	name       string
	fn         Func
	enqueuedAt time.Time
	// done has capacity 1 so a worker never blocks on a submitter that gave up.
	done chan error
}
