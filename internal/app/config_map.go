package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/config"
	"pipeorch/internal/firing"
	"pipeorch/internal/notifier"
	"pipeorch/internal/storage"
	"pipeorch/internal/task/bridge"
	logx "pipeorch/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, int, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, 0, errors.New("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, 0, err
	}
	base, err := config.ParseDurationOrDefault("storage.retry_base", sc.RetryBase, 50*time.Millisecond)
	if err != nil {
		return storage.Config{}, 0, err
	}
	maxDelay, err := config.ParseDurationOrDefault("storage.retry_max_delay", sc.RetryMaxDelay, time.Second)
	if err != nil {
		return storage.Config{}, 0, err
	}
	if sc.RetryAttempts < 0 {
		return storage.Config{}, 0, errors.New("storage.retry_attempts must be >= 0")
	}
	if sc.FireLogKeep < 0 {
		return storage.Config{}, 0, errors.New("storage.fire_log_keep must be >= 0")
	}
	return storage.Config{
		Path:        path,
		BusyTimeout: busy,
		Retry:       storage.RetryPolicy{Attempts: sc.RetryAttempts, Base: base, MaxDelay: maxDelay},
	}, sc.FireLogKeep, nil
}

type pipelinesConfig struct {
	root     string
	watch    bool
	debounce time.Duration
}

func mapPipelinesConfig(cfg *config.Config) (pipelinesConfig, error) {
	root := strings.TrimSpace(cfg.Pipelines.Root)
	if root == "" {
		return pipelinesConfig{}, errors.New("pipelines.root is required")
	}
	debounce, err := config.ParseDurationOrDefault("pipelines.debounce", cfg.Pipelines.Debounce, 500*time.Millisecond)
	if err != nil {
		return pipelinesConfig{}, err
	}
	watch := cfg.Pipelines.Watch == nil || *cfg.Pipelines.Watch
	return pipelinesConfig{root: root, watch: watch, debounce: debounce}, nil
}

func mapBridgeConfig(cfg *config.Config) (bridge.Config, error) {
	ec := cfg.Execution
	if ec.Workers < 0 {
		return bridge.Config{}, errors.New("execution.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return bridge.Config{}, errors.New("execution.queue_size must be >= 0")
	}
	if ec.HistorySize < 0 {
		return bridge.Config{}, errors.New("execution.history_size must be >= 0")
	}
	return bridge.Config{Workers: ec.Workers, QueueSize: ec.QueueSize, HistorySize: ec.HistorySize}, nil
}

func mapDispatchConfig(cfg *config.Config) (firing.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.grace_period", cfg.Scheduler.GracePeriod, 10*time.Second)
	if err != nil {
		return firing.Config{}, err
	}
	accept, err := config.ParseDurationOrDefault("execution.accept_timeout", cfg.Execution.AcceptTimeout, 30*time.Second)
	if err != nil {
		return firing.Config{}, err
	}
	restart, err := config.ParseDurationOrDefault("execution.restart_timeout", cfg.Execution.RestartTimeout, 120*time.Second)
	if err != nil {
		return firing.Config{}, err
	}
	return firing.Config{GracePeriod: grace, AcceptTimeout: accept, RestartTimeout: restart}, nil
}

type executionClientConfig struct {
	endpoint       string
	token          string
	requestTimeout time.Duration
	restarter      string
	unit           string
}

func mapExecutionClientConfig(cfg *config.Config) (executionClientConfig, error) {
	ec := cfg.Execution
	rt, err := config.ParseDurationOrDefault("execution.request_timeout", ec.RequestTimeout, 20*time.Second)
	if err != nil {
		return executionClientConfig{}, err
	}
	restarter := strings.ToLower(strings.TrimSpace(ec.Restarter))
	switch restarter {
	case "", "http":
		restarter = "http"
	case "systemd":
	default:
		return executionClientConfig{}, errors.Newf("execution.restarter: unknown value %q", ec.Restarter)
	}
	return executionClientConfig{
		endpoint:       strings.TrimSpace(ec.Endpoint),
		token:          ec.Token,
		requestTimeout: rt,
		restarter:      restarter,
		unit:           ec.SystemdUnit,
	}, nil
}

// mapNotifierConfig returns the notifier config and the webhook URL (empty = log only).
// An omitted section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, string, error) {
	nc := cfg.Notifier
	if nc == nil {
		nc = &config.NotifierConfig{Enabled: true}
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 {
		return notifier.Config{}, "", errors.New("notifier: workers, queue_size and rate_per_sec must be >= 0")
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 5*time.Minute)
	if err != nil {
		return notifier.Config{}, "", err
	}
	return notifier.Config{
		Enabled:      nc.Enabled,
		Workers:      nc.Workers,
		QueueSize:    nc.QueueSize,
		RatePerSec:   nc.RatePerSec,
		RetryMax:     2,
		DedupWindow:  window,
		PersistDedup: true,
	}, strings.TrimSpace(nc.WebhookURL), nil
}

// validateConfig rejects a config before it is used at startup or committed on reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return errors.Newf("logging.level: unknown level %q", lvl)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPipelinesConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBridgeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutionClientConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	return nil
}
