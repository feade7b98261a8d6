package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeorch/internal/eventbus"
	"pipeorch/internal/jobs"
	"pipeorch/internal/jobstore"
	"pipeorch/internal/pipeline"
	"pipeorch/internal/storage"
	"pipeorch/internal/task/scheduler"
	"pipeorch/internal/trigger"
	logx "pipeorch/pkg/logx"
)

var now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	root   string
	store  *jobstore.Store
	engine *scheduler.Service
	jobs   *jobs.Service
	rec    *Reconciler
	bus    eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	db, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "rec.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := jobstore.New(db, logx.Nop())

	clock := func() time.Time { return now }
	firer := scheduler.FirerFunc(func(context.Context, scheduler.FireRequest) error { return nil })
	engine := scheduler.New(scheduler.Config{Now: clock}, firer, store, logx.Nop(), nil)
	engine.Start(ctx)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	cat := pipeline.NewCatalog(root, logx.Nop())
	svc := jobs.New(store, engine, cat, logx.Nop(), jobs.WithClock(clock))
	bus := eventbus.New()
	rec := New(cat, store, svc, logx.Nop(), bus)
	rec.SetClock(clock)
	return &fixture{root: root, store: store, engine: engine, jobs: svc, rec: rec, bus: bus}
}

func (f *fixture) manifest(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, dir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, dir, "pipeline.yaml"), []byte(body), 0o644))
}

func (f *fixture) rows(t *testing.T, src jobstore.Source) []jobstore.Job {
	t.Helper()
	out, err := f.store.List(context.Background(), jobstore.Filter{Source: src})
	require.NoError(t, err)
	return out
}

func TestNightlyScheduleAddedThenRemoved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.manifest(t, "etl", "schedules:\n  - id: nightly\n    cron: \"0 2 * * *\"\n")
	res, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 1}, res)

	rows := f.rows(t, jobstore.SourceManifestSchedule)
	require.Len(t, rows, 1)
	assert.Equal(t, "etl", rows[0].PipelineName)
	require.NotNil(t, rows[0].RunConfigID)
	assert.Equal(t, "nightly", *rows[0].RunConfigID)
	e, ok := f.engine.Get(rows[0].ID)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC), e.Next)

	f.manifest(t, "etl", "enabled: true\n")
	res, err = f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Deleted: 1}, res)
	assert.Empty(t, f.rows(t, jobstore.SourceManifestSchedule))
	_, ok = f.engine.Get(rows[0].ID)
	assert.False(t, ok)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.manifest(t, "etl", `
schedules:
  - cron: "*/15 * * * *"
  - id: weekly
    interval: 604800
    start: "2025-02-01"
    end: "2025-12-31"
run_once_at: "2025-06-01T12:00:00Z"
`)
	f.manifest(t, "svc", "daemon: true\nrestart:\n  cron: \"0 4 * * *\"\n")

	first, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Created)
	assert.Zero(t, first.Failed)

	second, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.False(t, second.Changed())
	assert.Equal(t, 4, second.Unchanged)
	assert.Len(t, f.engine.List(), 4)
}

func TestApiRowsAreNeverTouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.manifest(t, "etl", "schedules:\n  - cron: \"0 2 * * *\"\n")
	api, err := f.jobs.API().Create(ctx, jobs.CreateParams{
		PipelineName: "etl",
		TriggerKind:  trigger.KindCron,
		TriggerValue: "0 2 * * *",
		Enabled:      true,
	})
	require.NoError(t, err)

	_, err = f.rec.Run(ctx)
	require.NoError(t, err)
	f.manifest(t, "etl", "enabled: true\n")
	_, err = f.rec.Run(ctx)
	require.NoError(t, err)

	rows := f.rows(t, jobstore.SourceAPI)
	require.Len(t, rows, 1)
	assert.Equal(t, api.ID, rows[0].ID)
	assert.Equal(t, "0 2 * * *", rows[0].TriggerValue)
	assert.True(t, rows[0].Enabled)
	_, ok := f.engine.Get(api.ID)
	assert.True(t, ok)
}

func TestUpdatesInPlace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.manifest(t, "etl", "schedules:\n  - id: a\n    cron: \"0 2 * * *\"\nrun_once_at: \"2025-06-01T12:00:00Z\"\n")
	f.manifest(t, "svc", "daemon: true\nrestart:\n  interval: 3600\n")
	_, err := f.rec.Run(ctx)
	require.NoError(t, err)
	before := map[string]string{}
	for _, j := range append(f.rows(t, jobstore.SourceManifestSchedule), f.rows(t, jobstore.SourceManifestRestart)...) {
		before[string(j.TriggerKind)+j.PipelineName] = j.ID
	}

	f.manifest(t, "etl", "enabled: false\nschedules:\n  - id: a\n    cron: \"0 3 * * *\"\nrun_once_at: \"2025-07-01T12:00:00Z\"\n")
	f.manifest(t, "svc", "daemon: true\nrestart:\n  cron: \"0 4 * * *\"\n")
	res, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Updated: 3}, res)

	for _, j := range append(f.rows(t, jobstore.SourceManifestSchedule), f.rows(t, jobstore.SourceManifestRestart)...) {
		switch j.TriggerKind {
		case trigger.KindCron:
			if j.Source == jobstore.SourceManifestRestart {
				assert.Equal(t, "0 4 * * *", j.TriggerValue)
				assert.Equal(t, before[string(trigger.KindInterval)+"svc"], j.ID)
				continue
			}
			assert.Equal(t, "0 3 * * *", j.TriggerValue)
			assert.False(t, j.Enabled)
			_, live := f.engine.Get(j.ID)
			assert.False(t, live)
			assert.Equal(t, before[string(trigger.KindCron)+"etl"], j.ID)
		case trigger.KindDate:
			assert.Equal(t, "2025-07-01T12:00:00Z", j.TriggerValue)
			assert.Equal(t, before[string(trigger.KindDate)+"etl"], j.ID)
		}
	}
}

func TestPastRunOnceIsDroppedAndBadEntriesCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.manifest(t, "old", "run_once_at: \"2024-06-01T12:00:00Z\"\n")
	f.manifest(t, "bad", "schedules:\n  - cron: \"every day\"\n  - id: ok\n    interval: 60\n")

	res, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)

	rows := f.rows(t, jobstore.SourceManifestSchedule)
	require.Len(t, rows, 1)
	assert.Equal(t, "bad", rows[0].PipelineName)
}

func TestScheduleForUndeclaredRunConfigRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.manifest(t, "etl", "run_configs:\n  - id: full\nschedules:\n  - id: full\n    cron: \"0 2 * * *\"\n  - id: partial\n    interval: 600\n")

	res, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)

	rows := f.rows(t, jobstore.SourceManifestSchedule)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].RunConfigID)
	assert.Equal(t, "full", *rows[0].RunConfigID)
}

func TestDuplicateRowsKeepFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.manifest(t, "svc", "daemon: true\nrestart:\n  interval: 3600\n")
	for _, id := range []string{"a-first", "b-second"} {
		require.NoError(t, f.store.Create(ctx, jobstore.Job{
			ID:           id,
			PipelineName: "svc",
			TriggerKind:  trigger.KindInterval,
			TriggerValue: "3600",
			Enabled:      true,
			Source:       jobstore.SourceManifestRestart,
			CreatedAt:    now,
		}))
	}

	res, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Deleted: 1, Unchanged: 1}, res)
	rows := f.rows(t, jobstore.SourceManifestRestart)
	require.Len(t, rows, 1)
	assert.Equal(t, "a-first", rows[0].ID)
}

func TestPublishesCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(4)
	defer unsub()

	f.manifest(t, "etl", "schedules:\n  - cron: \"0 2 * * *\"\n")
	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.ReconcileCompleted, ev.Type)
		assert.Equal(t, Result{Created: 1}, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no reconcile event")
	}
}
