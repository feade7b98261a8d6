// Package firing turns a due job into an execution request: startup grace
// check, pipeline resolution, typed handler lookup and bridged submission.
package firing

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/execution"
	"pipeorch/internal/jobstore"
	"pipeorch/internal/trigger"
)

// TriggeredBy is recorded on every run the scheduler submits.
const TriggeredBy = "scheduler"

// Key selects a handler. Only plain data is persisted; the handler is looked up
// from the row's source and trigger kind at fire time.
type Key struct {
	Source jobstore.Source
	Kind   trigger.Kind
}

func (k Key) String() string { return string(k.Source) + "/" + string(k.Kind) }

// HandlerFunc runs on the execution runtime and returns once the backend accepted.
type HandlerFunc func(ctx context.Context, job jobstore.Job) error

type Handler struct {
	Name string
	// Restart handlers get the longer acceptance deadline.
	Restart bool
	Fn      HandlerFunc
}

// Registry maps a Key to exactly one Handler.
type Registry struct {
	handlers map[Key]Handler
}

func NewRegistry() *Registry { return &Registry{handlers: map[Key]Handler{}} }

func (r *Registry) Register(k Key, h Handler) error {
	if h.Fn == nil {
		return errors.Newf("handler %s for %s has no func", h.Name, k)
	}
	if _, dup := r.handlers[k]; dup {
		return errors.Newf("handler already registered for %s", k)
	}
	r.handlers[k] = h
	return nil
}

func (r *Registry) Lookup(k Key) (Handler, bool) {
	h, ok := r.handlers[k]
	return h, ok
}

// Keys lists registered keys in a stable order.
func (r *Registry) Keys() []Key {
	out := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// RunPipeline submits a pipeline run for the job's pipeline and run configuration.
func RunPipeline(exec execution.Executor) Handler {
	return Handler{
		Name: "run_pipeline",
		Fn: func(ctx context.Context, job jobstore.Job) error {
			_, err := exec.Submit(ctx, job.PipelineName, TriggeredBy, job.RunConfigID)
			return err
		},
	}
}

// RestartDaemon restarts the job's daemon pipeline.
func RestartDaemon(r execution.Restarter) Handler {
	return Handler{
		Name:    "restart_daemon",
		Restart: true,
		Fn: func(ctx context.Context, job jobstore.Job) error {
			_, err := r.Restart(ctx, job.PipelineName)
			return err
		},
	}
}

// DefaultRegistry wires run-pipeline for api and manifest_schedule jobs of every
// kind, and restart-daemon for recurring manifest_restart jobs.
func DefaultRegistry(exec execution.Executor, restarter execution.Restarter) *Registry {
	r := NewRegistry()
	run := RunPipeline(exec)
	for _, src := range []jobstore.Source{jobstore.SourceAPI, jobstore.SourceManifestSchedule} {
		for _, k := range []trigger.Kind{trigger.KindCron, trigger.KindInterval, trigger.KindDate} {
			_ = r.Register(Key{Source: src, Kind: k}, run)
		}
	}
	restart := RestartDaemon(restarter)
	for _, k := range []trigger.Kind{trigger.KindCron, trigger.KindInterval} {
		_ = r.Register(Key{Source: jobstore.SourceManifestRestart, Kind: k}, restart)
	}
	return r
}

// Guard suppresses firings during the post-start grace window.
type Guard struct {
	Window time.Duration
}

// Allow reports whether a firing at now may proceed for an engine started at startedAt.
func (g Guard) Allow(startedAt, now time.Time) bool {
	if g.Window <= 0 || startedAt.IsZero() {
		return true
	}
	return now.Sub(startedAt) >= g.Window
}
