package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeorch/internal/storage"
	logx "pipeorch/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []Notification
	fails int
}

func (r *recordingSender) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("temporary")
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func startNotifier(t *testing.T, cfg Config, sender Sender, store DedupStore) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	s := New(cfg, sender, logx.Nop(), nil, store)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{}
	s := startNotifier(t, Config{DedupWindow: time.Minute}, rs, nil)

	s.NotifySchedulerFailure("etl", "accept timeout")
	s.NotifySchedulerFailure("etl", "accept timeout")
	s.NotifySchedulerFailure("etl", "backend rejected")
	s.NotifySchedulerFailure("other", "accept timeout")

	require.Eventually(t, func() bool { return rs.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, rs.count())
	assert.Len(t, s.Snapshot(), 3)
}

func TestNotifyRetriesSender(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{fails: 2}
	s := startNotifier(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, rs, nil)

	require.NoError(t, s.Notify(context.Background(), Notification{Pipeline: "etl", Error: "x"}))
	require.Eventually(t, func() bool { return rs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil, nil)
	assert.True(t, errors.Is(s.Notify(context.Background(), Notification{Pipeline: "etl"}), ErrDisabled))
	// Never panics or blocks, even when disabled.
	s.NotifySchedulerFailure("etl", "boom")

	on := New(Config{Enabled: true}, nil, logx.Nop(), nil, nil)
	assert.True(t, errors.Is(on.Notify(context.Background(), Notification{Pipeline: "etl"}), ErrStopped))
}

func TestPersistentDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	db, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.NewDedupStore(db)

	rs := &recordingSender{}
	cfg := Config{DedupWindow: time.Hour, PersistDedup: true}
	first := startNotifier(t, cfg, rs, store)
	first.NotifySchedulerFailure("etl", "boom")
	require.Eventually(t, func() bool { return rs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	first.Stop(context.Background())

	_, ok, err := store.GetDedup(context.Background(), dedupKey(Notification{Pipeline: "etl", Error: "boom"}))
	require.NoError(t, err)
	require.True(t, ok)

	second := startNotifier(t, cfg, rs, store)
	second.NotifySchedulerFailure("etl", "boom")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rs.count())
}

func TestWebhookSender(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws := NewWebhookSender(srv.URL, srv.Client())
	require.NoError(t, ws.Send(context.Background(), Notification{Pipeline: "etl", Error: "boom"}))
	assert.Equal(t, "etl", got["pipeline"])
	assert.Equal(t, "scheduled run of etl failed: boom", got["text"])

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	assert.Error(t, NewWebhookSender(bad.URL, nil).Send(context.Background(), Notification{Pipeline: "etl"}))
}
