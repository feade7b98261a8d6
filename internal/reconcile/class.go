package reconcile

import (
	"pipeorch/internal/jobs"
	"pipeorch/internal/jobstore"
	"pipeorch/internal/trigger"
)

// identity is the composite reconciliation key. run_once and restart rows
// are keyed by pipeline alone and leave the run-config fields zero.
type identity struct {
	Pipeline     string
	RunConfig    string
	HasRunConfig bool
}

func (id identity) String() string {
	if !id.HasRunConfig {
		return id.Pipeline
	}
	return id.Pipeline + "/" + id.RunConfig
}

// class describes one source-class of manifest rows.
type class struct {
	name   string
	filter jobstore.Filter
	key    func(j jobstore.Job) identity
	// patch returns the update that brings stored in line with want, and
	// whether anything differs.
	patch func(stored jobstore.Job, want jobs.CreateParams) (jobs.Patch, bool)
}

func pipelineKey(j jobstore.Job) identity { return identity{Pipeline: j.PipelineName} }

func runConfigKey(j jobstore.Job) identity {
	id := identity{Pipeline: j.PipelineName}
	if j.RunConfigID != nil {
		id.RunConfig, id.HasRunConfig = *j.RunConfigID, true
	}
	return id
}

var (
	recurring = class{
		name: "recurring",
		filter: jobstore.Filter{
			Source: jobstore.SourceManifestSchedule,
			Kinds:  []trigger.Kind{trigger.KindCron, trigger.KindInterval},
		},
		key: runConfigKey,
		patch: func(stored jobstore.Job, want jobs.CreateParams) (jobs.Patch, bool) {
			if stored.TriggerKind == want.TriggerKind &&
				stored.TriggerValue == want.TriggerValue &&
				stored.Window().Equal(want.Window) &&
				stored.Enabled == want.Enabled {
				return jobs.Patch{}, false
			}
			return jobs.Patch{
				TriggerKind:  jobs.Set(want.TriggerKind),
				TriggerValue: jobs.Set(want.TriggerValue),
				StartDate:    jobs.Set(want.Window.Start),
				EndDate:      jobs.Set(want.Window.End),
				Enabled:      jobs.Set(want.Enabled),
			}, true
		},
	}

	// A one-off job is immutable apart from its date.
	runOnce = class{
		name: "run_once",
		filter: jobstore.Filter{
			Source: jobstore.SourceManifestSchedule,
			Kinds:  []trigger.Kind{trigger.KindDate},
		},
		key: pipelineKey,
		patch: func(stored jobstore.Job, want jobs.CreateParams) (jobs.Patch, bool) {
			if stored.TriggerValue == want.TriggerValue {
				return jobs.Patch{}, false
			}
			return jobs.Patch{TriggerValue: jobs.Set(want.TriggerValue)}, true
		},
	}

	restart = class{
		name:   "restart",
		filter: jobstore.Filter{Source: jobstore.SourceManifestRestart},
		key:    pipelineKey,
		patch: func(stored jobstore.Job, want jobs.CreateParams) (jobs.Patch, bool) {
			if stored.TriggerKind == want.TriggerKind && stored.TriggerValue == want.TriggerValue {
				return jobs.Patch{}, false
			}
			return jobs.Patch{
				TriggerKind:  jobs.Set(want.TriggerKind),
				TriggerValue: jobs.Set(want.TriggerValue),
			}, true
		},
	}
)
