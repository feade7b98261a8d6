package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pipeorch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
			logx.Int("storage.retry_attempts", newCfg.Storage.RetryAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipelines, newCfg.Pipelines) {
		changed = append(changed, "pipelines")
		attrs = append(attrs,
			logx.String("pipelines.root", strings.TrimSpace(newCfg.Pipelines.Root)),
			logx.String("pipelines.debounce", strings.TrimSpace(newCfg.Pipelines.Debounce)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.grace_period", strings.TrimSpace(newCfg.Scheduler.GracePeriod)),
		)
	}

	// Execution (never log token)
	oe, ne := oldCfg.Execution, newCfg.Execution
	oTokenSet := strings.TrimSpace(oe.Token) != ""
	nTokenSet := strings.TrimSpace(ne.Token) != ""
	oe.Token, ne.Token = "", ""
	if oTokenSet != nTokenSet || !reflect.DeepEqual(oe, ne) {
		changed = append(changed, "execution")
		attrs = append(attrs,
			logx.Bool("execution.endpoint_set", strings.TrimSpace(ne.Endpoint) != ""),
			logx.Bool("execution.token_set", nTokenSet),
			logx.Int("execution.workers", ne.Workers),
			logx.String("execution.accept_timeout", strings.TrimSpace(ne.AcceptTimeout)),
			logx.String("execution.restart_timeout", strings.TrimSpace(ne.RestartTimeout)),
		)
	}

	// Note: section may be nil (omitted). Treat nil as runtime defaults for a more accurate summary.
	defN := &NotifierConfig{Enabled: true}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.webhook_set", strings.TrimSpace(newN.WebhookURL) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the changed sections that are not applied live.
func RestartRequired(sections []string) []string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}
