package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup keeps suppression windows in storage so a restart does not
	// re-send the same failure.
	PersistDedup bool
}

// Notification is one scheduler failure report.
type Notification struct {
	Pipeline string    `json:"pipeline"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Text renders the notification for human-facing senders.
func (n Notification) Text() string {
	return "scheduled run of " + n.Pipeline + " failed: " + n.Error
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// DedupStore persists suppression windows (storage.DedupStore).
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Pipeline string    `json:"pipeline"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
