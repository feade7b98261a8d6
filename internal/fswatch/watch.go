// Package fswatch runs a debounced, self-healing fsnotify watch over a set of directories.
//
// fsnotify can get into a bad state (editor rename dances, overflow, closed channels).
// Run recreates the watcher with a jittered exponential backoff until ctx is done.
package fswatch

import (
	"context"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pipeorch/pkg/logx"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second

	defaultDebounce = 250 * time.Millisecond
)

// Options configures a watch.
type Options struct {
	// Name is used in log messages ("config", "pipelines").
	Name string

	// Dirs returns the directories to watch. It is re-evaluated whenever the watcher
	// is (re)created and after every matching event, so newly created subdirectories
	// are picked up without a restart.
	Dirs func() []string

	// Match filters events. Nil accepts everything.
	Match func(ev fsnotify.Event) bool

	// Debounce collapses bursts of events into one OnChange call.
	Debounce time.Duration

	// OnChange runs on a timer goroutine after the debounce window settles.
	OnChange func()

	Log logx.Logger
}

// Run blocks until ctx is done. It never returns a non-nil error today; the signature
// matches supervisor.Go so callers can run it directly.
func Run(ctx context.Context, opts Options) error {
	if opts.Dirs == nil || opts.OnChange == nil {
		return nil
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("watch", opts.Name))

	backoff := restartBackoffBase
	// local RNG to avoid global contention
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	wait := func() time.Duration {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return d
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(opts.Debounce, func() {
			if ctx.Err() != nil {
				return
			}
			opts.OnChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watch init failed", logx.Err(err))
			if !sleepCtx(ctx, wait()) {
				return nil
			}
			continue
		}

		watched := map[string]bool{}
		if err := syncDirs(w, opts.Dirs(), watched); err != nil {
			_ = w.Close()
			log.Warn("watch add failed", logx.Err(err))
			if !sleepCtx(ctx, wait()) {
				return nil
			}
			continue
		}

		// success; reset backoff so transient issues don't cause long restart delays
		backoff = restartBackoffBase
		log.Debug("watcher started", logx.Int("dirs", len(watched)))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = syncDirs(w, opts.Dirs(), watched)
					}
				}
				if opts.Match != nil && !opts.Match(ev) {
					continue
				}
				log.Debug("change detected", logx.String("path", ev.Name), logx.String("op", ev.Op.String()))
				debounce()
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; fire once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					log.Warn("watch overflow; forcing change", logx.Err(err))
					debounce()
					continue
				}
				log.Warn("watch error", logx.Err(err))
				// Some fsnotify backends surface watcher closure via an error.
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		d := wait()
		log.Warn("watcher stopped; restarting", logx.Duration("backoff", d))
		if !sleepCtx(ctx, d) {
			return nil
		}
	}
}

// syncDirs adds every dir not yet watched. A missing dir is skipped; the first
// other failure is returned.
func syncDirs(w *fsnotify.Watcher, dirs []string, watched map[string]bool) error {
	var firstErr error
	for _, d := range dirs {
		if d == "" || watched[d] {
			continue
		}
		if err := w.Add(d); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		watched[d] = true
	}
	return firstErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
