// Package pipeline discovers pipeline manifests on disk and resolves pipelines by name.
package pipeline

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"pipeorch/internal/config"
	"pipeorch/internal/trigger"
)

// ManifestNames are checked in order inside each pipeline directory.
var ManifestNames = []string{"pipeline.yaml", "pipeline.yml", "pipeline.toml"}

var ErrInvalidManifest = errors.New("invalid pipeline manifest")

// Manifest is the on-disk declaration of one pipeline.
type Manifest struct {
	Name    string `json:"name,omitempty" toml:"name"`
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled"`
	// Daemon pipelines are long-running; they may declare a restart cadence.
	Daemon     bool           `json:"daemon,omitempty" toml:"daemon"`
	Schedules  []ScheduleSpec `json:"schedules,omitempty" toml:"schedules"`
	Restart    *RestartSpec   `json:"restart,omitempty" toml:"restart"`
	RunOnceAt  string         `json:"run_once_at,omitempty" toml:"run_once_at"`
	RunConfigs []RunConfig    `json:"run_configs,omitempty" toml:"run_configs"`
}

// ScheduleSpec is one named recurring schedule. ID names the run configuration
// the schedule targets; empty means the default configuration.
type ScheduleSpec struct {
	ID       string `json:"id,omitempty" toml:"id"`
	Cron     string `json:"cron,omitempty" toml:"cron"`
	Interval *int64 `json:"interval,omitempty" toml:"interval"`
	Start    string `json:"start,omitempty" toml:"start"`
	End      string `json:"end,omitempty" toml:"end"`
	Enabled  *bool  `json:"enabled,omitempty" toml:"enabled"`
}

// RestartSpec is the daemon restart cadence.
type RestartSpec struct {
	Cron     string `json:"cron,omitempty" toml:"cron"`
	Interval *int64 `json:"interval,omitempty" toml:"interval"`
}

type RunConfig struct {
	ID          string `json:"id" toml:"id"`
	Description string `json:"description,omitempty" toml:"description"`
}

// RunConfigID returns nil for the default configuration.
func (s ScheduleSpec) RunConfigID() *string {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return nil
	}
	return &id
}

func (s ScheduleSpec) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Trigger returns the kind and value of the schedule. Exactly one of cron and
// interval must be set.
func (s ScheduleSpec) Trigger() (trigger.Kind, string, error) {
	return kindValue(s.Cron, s.Interval)
}

// Window parses the optional start/end bounds.
func (s ScheduleSpec) Window() (trigger.Window, error) {
	return trigger.ParseWindow(s.Start, s.End)
}

func (r RestartSpec) Trigger() (trigger.Kind, string, error) {
	return kindValue(r.Cron, r.Interval)
}

func kindValue(cron string, interval *int64) (trigger.Kind, string, error) {
	cron = strings.TrimSpace(cron)
	switch {
	case cron != "" && interval != nil:
		return "", "", errors.Mark(errors.New("cron and interval are mutually exclusive"), trigger.ErrInvalid)
	case cron != "":
		return trigger.KindCron, cron, nil
	case interval != nil:
		return trigger.KindInterval, strconv.FormatInt(*interval, 10), nil
	}
	return "", "", errors.Mark(errors.New("one of cron or interval is required"), trigger.ErrInvalid)
}

// ParseManifest decodes a manifest strictly; unknown keys are errors.
func ParseManifest(path string, data []byte) (Manifest, error) {
	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &m)
		if err != nil {
			return Manifest{}, errors.Mark(errors.Wrapf(err, "decode %s", path), ErrInvalidManifest)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return Manifest{}, errors.Mark(errors.Newf("%s: unknown keys %s", path, strings.Join(keys, ", ")), ErrInvalidManifest)
		}
	default:
		j, err := config.YAMLToJSON(data)
		if err != nil {
			return Manifest{}, errors.Mark(errors.Wrapf(err, "decode %s", path), ErrInvalidManifest)
		}
		dec := json.NewDecoder(bytes.NewReader(j))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return Manifest{}, errors.Mark(errors.Wrapf(err, "decode %s", path), ErrInvalidManifest)
		}
	}
	if err := m.validate(); err != nil {
		return Manifest{}, errors.Mark(errors.Wrap(err, path), ErrInvalidManifest)
	}
	return m, nil
}

// validate checks structure only. Trigger values are checked per entry by the
// reconciler so one bad schedule does not hide the rest of the pipeline.
func (m Manifest) validate() error {
	seen := map[string]bool{}
	for _, s := range m.Schedules {
		id := strings.TrimSpace(s.ID)
		if seen[id] {
			if id == "" {
				return errors.New("more than one schedule targets the default run configuration")
			}
			return errors.Newf("duplicate schedule id %q", id)
		}
		seen[id] = true
	}
	if m.Restart != nil && !m.Daemon {
		return errors.New("restart is only valid for daemon pipelines")
	}
	rc := map[string]bool{}
	for _, r := range m.RunConfigs {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return errors.New("run config id is required")
		}
		if rc[id] {
			return errors.Newf("duplicate run config id %q", id)
		}
		rc[id] = true
	}
	return nil
}
