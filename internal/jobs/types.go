// Package jobs holds the job mutation operations shared by the API surface and
// the manifest reconciler. Every write goes to the store first; the live
// registration follows and is re-derived from storage on the next start when
// the engine is not running.
package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/jobstore"
	"pipeorch/internal/pipeline"
	"pipeorch/internal/task/scheduler"
	"pipeorch/internal/trigger"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrManagedJob rejects API mutation of a row the reconciler owns.
	ErrManagedJob = errors.New("job is managed by a pipeline manifest")
)

// Store is the persistence the operations need (jobstore.Store).
type Store interface {
	Create(ctx context.Context, j jobstore.Job) error
	Get(ctx context.Context, id string) (jobstore.Job, error)
	List(ctx context.Context, f jobstore.Filter) ([]jobstore.Job, error)
	Update(ctx context.Context, j jobstore.Job) error
	Delete(ctx context.Context, id string) error
}

// Engine is the live scheduling surface (scheduler.Service).
type Engine interface {
	Register(ctx context.Context, job jobstore.Job) error
	Unregister(ctx context.Context, jobID string) error
	Get(jobID string) (scheduler.EntryInfo, bool)
	Running() bool
}

// Resolver looks up pipelines by name (pipeline.Catalog).
type Resolver interface {
	Resolve(ctx context.Context, name string) (*pipeline.Pipeline, error)
}

// CreateParams describes a new job. The id and created_at are assigned.
type CreateParams struct {
	PipelineName string
	TriggerKind  trigger.Kind
	TriggerValue string
	Enabled      bool
	Window       trigger.Window
	Source       jobstore.Source
	RunConfigID  *string
}

// Opt is an optional patch field. The zero value means "leave unchanged".
type Opt[T any] struct {
	v   T
	set bool
}

// Set returns a present Opt holding v. Set[*string](nil) is an explicit nil.
func Set[T any](v T) Opt[T] { return Opt[T]{v: v, set: true} }

func (o Opt[T]) Get() (T, bool) { return o.v, o.set }

func (o Opt[T]) apply(dst *T) {
	if o.set {
		*dst = o.v
	}
}

// Patch is a partial update. Source and CreatedAt are immutable.
type Patch struct {
	PipelineName Opt[string]
	TriggerKind  Opt[trigger.Kind]
	TriggerValue Opt[string]
	Enabled      Opt[bool]
	StartDate    Opt[*time.Time]
	EndDate      Opt[*time.Time]
	RunConfigID  Opt[*string]
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return !p.PipelineName.set && !p.TriggerKind.set && !p.TriggerValue.set && !p.Enabled.set &&
		!p.StartDate.set && !p.EndDate.set && !p.RunConfigID.set
}

func (p Patch) applyTo(j jobstore.Job) jobstore.Job {
	p.PipelineName.apply(&j.PipelineName)
	p.TriggerKind.apply(&j.TriggerKind)
	p.TriggerValue.apply(&j.TriggerValue)
	p.Enabled.apply(&j.Enabled)
	p.StartDate.apply(&j.StartDate)
	p.EndDate.apply(&j.EndDate)
	p.RunConfigID.apply(&j.RunConfigID)
	return j.Clone()
}

// View is a job plus its scheduling state.
type View struct {
	jobstore.Job
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	// Live reports whether the engine currently holds a registration.
	Live    bool `json:"live"`
	Running bool `json:"running"`
}
