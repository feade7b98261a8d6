package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/config"
	"pipeorch/internal/eventbus"
	"pipeorch/internal/execution"
	"pipeorch/internal/firing"
	"pipeorch/internal/jobs"
	"pipeorch/internal/jobstore"
	"pipeorch/internal/notifier"
	"pipeorch/internal/pipeline"
	"pipeorch/internal/reconcile"
	supervisor "pipeorch/internal/runtime/supervisor"
	"pipeorch/internal/storage"
	"pipeorch/internal/task/bridge"
	"pipeorch/internal/task/scheduler"
	logx "pipeorch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	db      *storage.DB
	store   *jobstore.Store
	catalog *pipeline.Catalog

	runtime *bridge.Service
	notif   *notifier.Service
	sched   *scheduler.Service
	jobs    *jobs.Service
	rec     *reconcile.Reconciler

	schedEnabled bool
	pipelines    pipelinesConfig
	closers      []func() error
}

// New loads the config and wires every component. Nothing runs until Start;
// without Start the app serves storage-only commands (the engine stays stopped).
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	bus := eventbus.New()

	sc, fireLogKeep, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, sc, comp("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc, bus: bus, db: db}

	if err := a.wire(ctx, cfg, fireLogKeep, comp); err != nil {
		_ = a.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("path", sc.Path))
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config, fireLogKeep int, comp func(string) logx.Logger) error {
	a.store = jobstore.New(a.db, comp("jobstore"), jobstore.WithFireLogKeep(fireLogKeep))

	pc, err := mapPipelinesConfig(cfg)
	if err != nil {
		return err
	}
	a.pipelines = pc
	a.catalog = pipeline.NewCatalog(pc.root, comp("pipelines"))

	bc, err := mapBridgeConfig(cfg)
	if err != nil {
		return err
	}
	a.runtime = bridge.New(bc, comp("bridge"))

	nc, webhook, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	var sender notifier.Sender = notifier.NewLogSender(comp("notifier"))
	if webhook != "" {
		sender = notifier.NewWebhookSender(webhook, nil)
	}
	a.notif = notifier.New(nc, sender, comp("notifier"), a.bus, storage.NewDedupStore(a.db))

	exec, restarter, err := a.executionClients(ctx, cfg, comp("execution"))
	if err != nil {
		return err
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	dispatcher := firing.NewDispatcher(dc, a.catalog, firing.DefaultRegistry(exec, restarter), a.runtime, a.notif, comp("firing"))

	a.schedEnabled = cfg.Scheduler.Enabled
	a.sched = scheduler.New(scheduler.Config{InstanceID: cfg.Scheduler.InstanceID}, dispatcher, a.store, comp("scheduler"), a.bus)
	a.jobs = jobs.New(a.store, a.sched, a.catalog, comp("jobs"))
	a.rec = reconcile.New(a.catalog, a.store, a.jobs, comp("reconcile"), a.bus)
	return nil
}

func (a *App) executionClients(ctx context.Context, cfg *config.Config, log logx.Logger) (execution.Executor, execution.Restarter, error) {
	ec, err := mapExecutionClientConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	var (
		exec      execution.Executor
		restarter execution.Restarter
	)
	if ec.endpoint == "" {
		dry := execution.NewDryRun(log)
		exec, restarter = dry, dry
		log.Warn("execution.endpoint not set; firings are logged only (dry-run)")
	} else {
		client, err := execution.NewClient(ec.endpoint,
			execution.WithToken(ec.token),
			execution.WithTimeout(ec.requestTimeout),
			execution.WithLogger(log),
		)
		if err != nil {
			return nil, nil, err
		}
		exec, restarter = client, client
	}
	if ec.restarter == "systemd" {
		sr, err := execution.NewSystemdRestarter(ctx, ec.unit, log)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, sr.Close)
		restarter = sr
	}
	return exec, restarter, nil
}

// Jobs is the shared job CRUD surface.
func (a *App) Jobs() *jobs.Service { return a.jobs }

// Scheduler exposes the engine for diagnostics.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Reconcile runs one reconciliation pass.
func (a *App) Reconcile(ctx context.Context) (reconcile.Result, error) { return a.rec.Run(ctx) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.runtime.Start(run)
	if a.notif.Enabled() {
		a.notif.Start(run)
	}

	if a.schedEnabled {
		a.sched.Start(run)
		if _, _, err := a.jobs.Restore(ctx); err != nil {
			return errors.Wrap(err, "restore jobs")
		}
	} else {
		a.log.Warn("scheduler disabled; jobs are stored but never fire")
	}

	if _, err := a.rec.Run(ctx); err != nil {
		// The next manifest change or restart runs it again.
		a.log.Error("startup reconcile failed", logx.Err(err))
	}

	if a.pipelines.watch {
		a.sup.Go("pipelines.watch", func(c context.Context) error {
			return a.catalog.Watch(c, a.pipelines.debounce, func() {
				if _, err := a.rec.Run(c); err != nil {
					a.log.Warn("reconcile after manifest change failed", logx.Err(err))
				}
			})
		})
	}

	// Debug-level event log; components publish, nobody is required to listen.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, "READY=1")
	a.log.Info("app started", logx.Bool("scheduler", a.schedEnabled), logx.String("instance", a.sched.InstanceID()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLoggingConfig(newCfg))
			if restart := config.RestartRequired(sections); len(restart) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	sdNotify(a.log, "STOPPING=1")
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Firings in flight finish first: the scheduler waits for them, they wait on
	// the bridge, and their failures still reach the notifier.
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	a.step(ctx, "bridge", 2*time.Second, func(c context.Context) error { a.runtime.Stop(c); return nil })
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases storage and logging for an app that was never started.
func (a *App) Close() error {
	err := a.closeResources()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) closeResources() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, a.closers[i]())
	}
	a.closers = nil
	if a.db != nil {
		errs = errors.CombineErrors(errs, a.db.Close())
		a.db = nil
	}
	return errs
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Leak logging: observe when/if the step eventually finishes.
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
