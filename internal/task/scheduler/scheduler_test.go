package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeorch/internal/eventbus"
	"pipeorch/internal/jobstore"
	"pipeorch/internal/storage"
	"pipeorch/internal/trigger"
	logx "pipeorch/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type countingFirer struct {
	calls atomic.Int32
	mu    sync.Mutex
	reqs  []FireRequest
	fn    func(ctx context.Context, req FireRequest) error
}

func (f *countingFirer) Fire(ctx context.Context, req FireRequest) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return nil
}

var t0 = time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC)

func openStore(t *testing.T) *jobstore.Store {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "sched.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return jobstore.New(db, logx.Nop())
}

func newJob(t *testing.T, store *jobstore.Store, id string, kind trigger.Kind, value string) jobstore.Job {
	t.Helper()
	j := jobstore.Job{
		ID:           id,
		PipelineName: "etl",
		TriggerKind:  kind,
		TriggerValue: value,
		Enabled:      true,
		Source:       jobstore.SourceAPI,
		CreatedAt:    t0,
	}
	require.NoError(t, store.Create(context.Background(), j))
	return j
}

func newEngine(t *testing.T, clock *fakeClock, firer Firer, store *jobstore.Store, bus eventbus.Bus, instance string) *Service {
	t.Helper()
	s := New(Config{InstanceID: instance, Now: clock.Now}, firer, store, logx.Nop(), bus)
	s.start(context.Background(), false)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestEveryFiveMinutesFiresOnce(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	firer := &countingFirer{}
	s := newEngine(t, clock, firer, store, nil, "a")
	ctx := context.Background()

	job := newJob(t, store, "j1", trigger.KindCron, "*/5 * * * *")
	require.NoError(t, s.Register(ctx, job))

	info, ok := s.Get("j1")
	require.True(t, ok)
	want := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	assert.Equal(t, want, info.Next)

	clock.Set(t0.Add(5 * time.Minute))
	s.runDue(ctx, clock.Now())
	s.runDue(ctx, clock.Now())
	s.firing.Wait()

	assert.Equal(t, int32(1), firer.calls.Load())
	assert.Equal(t, want, firer.reqs[0].ScheduledAt)
	assert.Equal(t, t0, firer.reqs[0].EngineStartedAt)

	reg, ok, err := store.GetRegistration(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), reg.FireCount)
	assert.Equal(t, jobstore.StatusFired, reg.LastStatus)
	require.NotNil(t, reg.NextRunAt)
	assert.Equal(t, want.Add(5*time.Minute), *reg.NextRunAt)
}

func TestMissedInstantsCoalesce(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	firer := &countingFirer{}
	s := newEngine(t, clock, firer, store, nil, "a")
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, newJob(t, store, "j1", trigger.KindInterval, "60")))

	clock.Set(t0.Add(10*time.Minute + 5*time.Second))
	s.runDue(ctx, clock.Now())
	s.firing.Wait()

	assert.Equal(t, int32(1), firer.calls.Load())
	info, _ := s.Get("j1")
	assert.Equal(t, t0.Add(11*time.Minute), info.Next)
	assert.Equal(t, t0.Add(time.Minute), info.LastScheduled)
}

func TestOverlappingFiringIsSkipped(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	firer := &countingFirer{fn: func(ctx context.Context, req FireRequest) error {
		entered <- struct{}{}
		<-release
		return nil
	}}
	s := newEngine(t, clock, firer, store, bus, "a")
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, newJob(t, store, "j1", trigger.KindInterval, "60")))

	clock.Set(t0.Add(time.Minute))
	s.runDue(ctx, clock.Now())
	<-entered

	info, _ := s.Get("j1")
	assert.True(t, info.Running)

	clock.Set(t0.Add(2 * time.Minute))
	s.runDue(ctx, clock.Now())

	close(release)
	s.firing.Wait()
	assert.Equal(t, int32(1), firer.calls.Load())

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.JobSkipped)
	assert.Contains(t, types, eventbus.JobFired)

	log, err := store.FireLog(ctx, "j1", 10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	statuses := []string{log[0].Status, log[1].Status}
	assert.ElementsMatch(t, []string{jobstore.StatusSkipped, jobstore.StatusFired}, statuses)
}

func TestTwoInstancesFireOncePerInstant(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	firer := &countingFirer{}
	a := newEngine(t, clock, firer, store, nil, "old")
	b := newEngine(t, clock, firer, store, nil, "new")
	ctx := context.Background()

	job := newJob(t, store, "j1", trigger.KindCron, "*/5 * * * *")
	require.NoError(t, a.Register(ctx, job))
	require.NoError(t, b.Register(ctx, job))

	clock.Set(t0.Add(5 * time.Minute))
	a.runDue(ctx, clock.Now())
	b.runDue(ctx, clock.Now())
	a.firing.Wait()
	b.firing.Wait()

	assert.Equal(t, int32(1), firer.calls.Load())
}

func TestFiringFailuresAreRecorded(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	ctx := context.Background()

	cases := []struct {
		name   string
		fn     func(context.Context, FireRequest) error
		status string
		errSub string
	}{
		{"error", func(context.Context, FireRequest) error { return errors.New("accept timeout") }, jobstore.StatusFailed, "accept timeout"},
		{"panic", func(context.Context, FireRequest) error { panic("boom") }, jobstore.StatusFailed, "boom"},
		{"skip", func(context.Context, FireRequest) error {
			return errors.Mark(errors.New("pipeline disabled"), ErrSkipped)
		}, jobstore.StatusSkipped, "pipeline disabled"},
	}
	for _, tc := range cases {
		s := New(Config{InstanceID: tc.name, Now: clock.Now}, FirerFunc(tc.fn), store, logx.Nop(), nil)
		s.start(ctx, false)

		job := newJob(t, store, "job-"+tc.name, trigger.KindInterval, "60")
		require.NoError(t, s.Register(ctx, job))
		s.runDue(ctx, t0.Add(time.Minute))
		s.firing.Wait()
		require.NoError(t, s.Stop(ctx))

		reg, ok, err := store.GetRegistration(ctx, job.ID)
		require.NoError(t, err, tc.name)
		require.True(t, ok, tc.name)
		assert.Equal(t, tc.status, reg.LastStatus, tc.name)
		assert.Contains(t, reg.LastError, tc.errSub, tc.name)
	}
}

func TestRegisterRules(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	ctx := context.Background()
	job := newJob(t, store, "j1", trigger.KindInterval, "60")

	stopped := New(Config{Now: clock.Now}, nil, store, logx.Nop(), nil)
	err := stopped.Register(ctx, job)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(stopped.Unregister(ctx, "j1"), ErrUnavailable))

	s := newEngine(t, clock, nil, store, nil, "a")

	bad := job
	bad.TriggerValue = "0"
	assert.True(t, errors.Is(s.Register(ctx, bad), trigger.ErrInvalid))
	_, ok := s.Get("j1")
	assert.False(t, ok)

	require.NoError(t, s.Register(ctx, job))
	_, ok, err = store.GetRegistration(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)

	disabled := job
	disabled.Enabled = false
	require.NoError(t, s.Register(ctx, disabled))
	_, ok = s.Get("j1")
	assert.False(t, ok)
	_, ok, err = store.GetRegistration(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Register(ctx, job))
	assert.Len(t, s.List(), 1)

	require.NoError(t, s.Unregister(ctx, "j1"))
	require.NoError(t, s.Unregister(ctx, "j1"))
	assert.Empty(t, s.List())
}

func TestReplaceKeepsSingleEntry(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	s := newEngine(t, clock, nil, store, nil, "a")
	ctx := context.Background()

	job := newJob(t, store, "j1", trigger.KindInterval, "60")
	require.NoError(t, s.Register(ctx, job))
	job.TriggerKind, job.TriggerValue = trigger.KindCron, "0 3 * * *"
	require.NoError(t, s.Register(ctx, job))

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC), list[0].Next)
}

func TestFiredDateJobStaysIdle(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	firer := &countingFirer{}
	s := newEngine(t, clock, firer, store, nil, "a")
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, newJob(t, store, "j1", trigger.KindDate, "2025-01-01T01:00:00Z")))
	s.runDue(ctx, time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC))
	s.firing.Wait()
	s.runDue(ctx, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	s.firing.Wait()

	assert.Equal(t, int32(1), firer.calls.Load())
	info, ok := s.Get("j1")
	require.True(t, ok)
	assert.True(t, info.Next.IsZero())
}

func TestLoopFiresOnRealClock(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	firer := &countingFirer{}
	s := New(Config{InstanceID: "live"}, firer, store, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)

	job := jobstore.Job{
		ID:           "live",
		PipelineName: "etl",
		TriggerKind:  trigger.KindInterval,
		TriggerValue: "1",
		Enabled:      true,
		Source:       jobstore.SourceAPI,
		CreatedAt:    time.Now().Add(-time.Second),
	}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, s.Register(ctx, job))

	require.Eventually(t, func() bool { return firer.calls.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.Running())
	assert.True(t, s.StartedAt().IsZero())
	assert.Empty(t, s.List())
}

func TestStopWaitsForInflightFiring(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	clock := &fakeClock{now: t0}
	var finished atomic.Bool
	entered := make(chan struct{})
	firer := FirerFunc(func(ctx context.Context, req FireRequest) error {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	s := New(Config{InstanceID: "a", Now: clock.Now}, firer, store, logx.Nop(), nil)
	ctx := context.Background()
	s.start(ctx, false)
	require.NoError(t, s.Register(ctx, newJob(t, store, "j1", trigger.KindInterval, "60")))

	s.runDue(ctx, t0.Add(time.Minute))
	<-entered
	require.NoError(t, s.Stop(ctx))
	assert.True(t, finished.Load())
}
