// Package jobstore persists scheduled jobs and their live scheduling registrations.
//
// scheduled_jobs is the compatibility boundary other tooling may read; the
// registration tables are owned by the scheduling engine and are safe to read
// from a second process (writes use compare-and-set, never in-process locks).
package jobstore

import (
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/trigger"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrConflict reports a lost compare-and-set; another writer got there first.
	ErrConflict = errors.New("concurrent modification")
)

// Source records which subsystem owns a job row.
type Source string

const (
	SourceAPI              Source = "api"
	SourceManifestSchedule Source = "manifest_schedule"
	SourceManifestRestart  Source = "manifest_restart"
)

func (s Source) Valid() bool {
	switch s {
	case SourceAPI, SourceManifestSchedule, SourceManifestRestart:
		return true
	}
	return false
}

// Managed reports whether the reconciler owns rows of this source.
func (s Source) Managed() bool { return s == SourceManifestSchedule || s == SourceManifestRestart }

// Job is the persistent unit of scheduling.
type Job struct {
	ID           string       `json:"id"`
	PipelineName string       `json:"pipeline_name"`
	TriggerKind  trigger.Kind `json:"trigger_kind"`
	TriggerValue string       `json:"trigger_value"`
	Enabled      bool         `json:"enabled"`
	StartDate    *time.Time   `json:"start_date,omitempty"`
	EndDate      *time.Time   `json:"end_date,omitempty"`
	Source       Source       `json:"source"`
	// RunConfigID nil targets the pipeline's default configuration.
	RunConfigID *string   `json:"run_config_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (j Job) Window() trigger.Window {
	return trigger.Window{Start: j.StartDate, End: j.EndDate}
}

// Trigger re-derives the schedule from the stored fields.
func (j Job) Trigger() (*trigger.Trigger, error) {
	return trigger.Parse(j.TriggerKind, j.TriggerValue, j.Window(), j.CreatedAt)
}

// RunConfig returns the run-configuration id or "" for the default one.
func (j Job) RunConfig() string {
	if j.RunConfigID == nil {
		return ""
	}
	return *j.RunConfigID
}

// Clone deep-copies pointer fields.
func (j Job) Clone() Job {
	c := j
	c.StartDate = cloneTime(j.StartDate)
	c.EndDate = cloneTime(j.EndDate)
	if j.RunConfigID != nil {
		v := *j.RunConfigID
		c.RunConfigID = &v
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Fire statuses recorded in the registry.
const (
	StatusFired   = "fired"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Registration is the persisted state of a job's live timer.
type Registration struct {
	JobID           string     `json:"job_id"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastScheduledAt *time.Time `json:"last_scheduled_at,omitempty"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	FireCount       int64      `json:"fire_count"`
	Owner           string     `json:"owner,omitempty"`
	Version         int64      `json:"version"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// FireRecord is one row of job_fire_log.
type FireRecord struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	FiredAt     time.Time `json:"fired_at"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Source       Source
	PipelineName string
	Kinds        []trigger.Kind
	EnabledOnly  bool
}
