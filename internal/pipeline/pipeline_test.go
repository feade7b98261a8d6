package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeorch/internal/trigger"
	logx "pipeorch/pkg/logx"
)

func writeManifest(t *testing.T, root, dir, name, body string) string {
	t.Helper()
	d := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(d, 0o755))
	p := filepath.Join(d, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const etlYAML = `
enabled: true
run_configs:
  - id: nightly
schedules:
  - id: nightly
    cron: "0 2 * * *"
    start: 2025-01-01
  - interval: 3600
    enabled: false
run_once_at: "2030-01-01T00:00:00Z"
`

func TestParseManifestYAML(t *testing.T) {
	t.Parallel()
	m, err := ParseManifest("pipeline.yaml", []byte(etlYAML))
	require.NoError(t, err)
	require.Len(t, m.Schedules, 2)

	s := m.Schedules[0]
	kind, value, err := s.Trigger()
	require.NoError(t, err)
	assert.Equal(t, trigger.KindCron, kind)
	assert.Equal(t, "0 2 * * *", value)
	require.NotNil(t, s.RunConfigID())
	assert.Equal(t, "nightly", *s.RunConfigID())
	w, err := s.Window()
	require.NoError(t, err)
	require.NotNil(t, w.Start)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *w.Start)

	d := m.Schedules[1]
	kind, value, err = d.Trigger()
	require.NoError(t, err)
	assert.Equal(t, trigger.KindInterval, kind)
	assert.Equal(t, "3600", value)
	assert.Nil(t, d.RunConfigID())
	assert.False(t, d.IsEnabled())
	assert.Equal(t, "2030-01-01T00:00:00Z", m.RunOnceAt)
}

func TestParseManifestTOML(t *testing.T) {
	t.Parallel()
	body := `
name = "svc"
daemon = true

[restart]
interval = 86400

[[schedules]]
cron = "*/5 * * * *"
`
	m, err := ParseManifest("pipeline.toml", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "svc", m.Name)
	require.NotNil(t, m.Restart)
	kind, value, err := m.Restart.Trigger()
	require.NoError(t, err)
	assert.Equal(t, trigger.KindInterval, kind)
	assert.Equal(t, "86400", value)
	require.Len(t, m.Schedules, 1)
}

func TestParseManifestRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]struct{ path, body string }{
		"unknown yaml key":      {"pipeline.yaml", "schedulez: []\n"},
		"unknown toml key":      {"pipeline.toml", "foo = 1\n"},
		"duplicate schedule id": {"pipeline.yaml", "schedules:\n  - {id: a, cron: '* * * * *'}\n  - {id: a, interval: 5}\n"},
		"two default schedules": {"pipeline.yaml", "schedules:\n  - {cron: '* * * * *'}\n  - {interval: 5}\n"},
		"restart on non-daemon": {"pipeline.yaml", "restart: {interval: 60}\n"},
		"broken yaml":           {"pipeline.yml", "schedules: [\n"},
	}
	for name, tc := range cases {
		_, err := ParseManifest(tc.path, []byte(tc.body))
		assert.True(t, errors.Is(err, ErrInvalidManifest), name)
	}
}

func TestScheduleTriggerNeedsExactlyOne(t *testing.T) {
	t.Parallel()
	iv := int64(5)
	_, _, err := ScheduleSpec{}.Trigger()
	assert.True(t, errors.Is(err, trigger.ErrInvalid))
	_, _, err = ScheduleSpec{Cron: "* * * * *", Interval: &iv}.Trigger()
	assert.True(t, errors.Is(err, trigger.ErrInvalid))
}

func TestCatalogDiscoverAndResolve(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeManifest(t, root, "etl", "pipeline.yaml", etlYAML)
	writeManifest(t, root, "b-svc", "pipeline.toml", "name = \"svc\"\n")
	writeManifest(t, root, "c-svc", "pipeline.yaml", "name: svc\nenabled: false\n")
	writeManifest(t, root, "broken", "pipeline.yaml", "nope: true\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	c := NewCatalog(root, logx.Nop())
	ctx := context.Background()
	all, err := c.DiscoverAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "etl", all[0].Name)
	assert.Equal(t, "svc", all[1].Name)
	assert.True(t, all[0].HasSchedules())
	assert.False(t, all[1].HasSchedules())
	// First by path wins: b-svc (enabled) beats c-svc (disabled).
	assert.True(t, all[1].IsEnabled())

	p, err := c.Resolve(ctx, "etl")
	require.NoError(t, err)
	nightly := "nightly"
	weekly := "weekly"
	assert.True(t, p.HasRunConfig(&nightly))
	assert.True(t, p.HasRunConfig(nil))
	assert.False(t, p.HasRunConfig(&weekly))
	assert.True(t, (&Pipeline{}).HasRunConfig(&weekly))

	_, err = c.Resolve(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	writeManifest(t, root, "new", "pipeline.yaml", "enabled: true\n")
	cached, err := c.DiscoverAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, cached, 2)
	fresh, err := c.DiscoverAll(ctx, true)
	require.NoError(t, err)
	assert.Len(t, fresh, 3)
}

func TestCatalogMissingRoot(t *testing.T) {
	t.Parallel()
	c := NewCatalog(filepath.Join(t.TempDir(), "nope"), logx.Nop())
	all, err := c.DiscoverAll(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCatalogWatchFiresOnManifestChange(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	path := writeManifest(t, root, "etl", "pipeline.yaml", "enabled: true\n")

	c := NewCatalog(root, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Watch(ctx, 50*time.Millisecond, func() { calls.Add(1) })
	}()

	// Give the watcher time to register the directories.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("enabled: false\n"), 0o644))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
