package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is required: scheduled jobs must survive restarts.
	Storage StorageConfig `json:"storage"`

	Pipelines PipelinesConfig `json:"pipelines"`

	// Scheduler controls the trigger loop and the startup grace window.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Execution controls the bridge to the execution backend.
	Execution ExecutionConfig `json:"execution"`

	// Notifier may be omitted; it then defaults to enabled with a log-only sender.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite job store.
//
// Example:
//
//	"storage": { "path": "./pipeorch.db", "busy_timeout": "5s" }
//
// Durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - busy_timeout: "5s"
//   - retry_attempts: 5
//   - retry_base: "50ms"
//   - retry_max_delay: "1s"
//   - fire_log_keep: 50
type StorageConfig struct {
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	FireLogKeep   int    `json:"fire_log_keep,omitempty"`
}

// PipelinesConfig points at the directory holding one subdirectory per pipeline.
type PipelinesConfig struct {
	Root string `json:"root"`
	// Watch enables reconcile-on-change. Pointer so omitted means true.
	Watch    *bool  `json:"watch,omitempty"`
	Debounce string `json:"debounce,omitempty"` // default "500ms"
}

// SchedulerConfig controls the scheduling engine.
//
// Defaults:
//   - grace_period: "10s"
//   - instance_id: random uuid per process
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	GracePeriod string `json:"grace_period,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"`
}

// ExecutionConfig controls how firings reach the execution backend.
//
// Endpoint empty means dry-run: firings are logged and accepted locally.
//
// Defaults:
//   - workers: 4
//   - queue_size: 64
//   - accept_timeout: "30s"
//   - restart_timeout: "120s"
//   - request_timeout: "20s"
//   - history_size: 200
type ExecutionConfig struct {
	Endpoint       string `json:"endpoint,omitempty"`
	Token          string `json:"token,omitempty"` // bearer token (do not log)
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	AcceptTimeout  string `json:"accept_timeout,omitempty"`
	RestartTimeout string `json:"restart_timeout,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	// Restarter selects how daemon restarts are delivered: "http" (default,
	// via Endpoint) or "systemd" (restart the unit named by SystemdUnit).
	Restarter   string `json:"restarter,omitempty"`
	SystemdUnit string `json:"systemd_unit,omitempty"` // default "pipeorch-%s.service"
}

// NotifierConfig controls the async failure-notification pipeline.
//
// WebhookURL empty means failures are only logged.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`
}
