package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobkeeper/internal/config"
	"jobkeeper/internal/eventbus"
	"jobkeeper/internal/runtime/supervisor"
	"jobkeeper/internal/scheduler"
	"jobkeeper/internal/storage"
	"jobkeeper/pkg/issues"
	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	issues *issues.Accumulator
	sched  *scheduler.Service

	hostJobs []job.Job
}

type Option func(*App)

// WithJobs adds host jobs registered next to the built-in ones at every boot.
func WithJobs(jobs ...job.Job) Option {
	return func(a *App) { a.hostJobs = append(a.hostJobs, jobs...) }
}

// New loads the config and wires logging, storage and the scheduler. An empty
// cfgPath runs on defaults and disables hot reload.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, logx.NewConsole("info").With(logx.String("comp", "config")))
	var cfg *config.Config
	if strings.TrimSpace(cfgPath) == "" {
		cfg = config.Default()
		cfgm.Commit(cfg)
	} else {
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
	}
	for _, o := range opts {
		o(a)
	}

	schedOpts := []scheduler.Option{scheduler.WithBus(a.bus)}
	if cfg.Jobs.IssueDigest.Enabled {
		a.issues = issues.New(cfg.Jobs.IssueDigest.MaxItems)
		schedOpts = append(schedOpts, scheduler.WithIssues(a.issues))
	}
	a.sched = scheduler.New(schedCfg, store, logSvc.Logger().With(logx.String("comp", "scheduler")), schedOpts...)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

// RegisterJobs registers the built-in jobs enabled in the config and every
// host job. Failures are logged per job and returned joined; the jobs that
// did register stay live.
func (a *App) RegisterJobs(ctx context.Context) error {
	builtins, err := a.builtinJobs(a.cfgm.Get())
	if err != nil {
		return err
	}
	all := append(builtins, a.hostJobs...)
	err = a.sched.RegisterJobs(ctx, all...)
	if err != nil {
		a.log.Warn("some jobs failed to register", logx.Err(err))
	}
	a.log.Info("jobs registered", logx.Int("count", len(all)))
	return err
}

// Start registers jobs, starts the timers and the config reload loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := a.builtinJobs(cfg); err != nil {
			return err
		}
		return nil
	})

	// A job that fails to register is logged; the rest stay live.
	_ = a.RegisterJobs(a.sup.Context())
	a.sched.Start(a.sup.Context())

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
				if !a.log.Enabled(logx.LevelDebug) {
					continue
				}
				fields := []logx.Field{
					logx.String("type", string(e.Type)),
					logx.String("job_id", e.Job.JobID),
					logx.Time("time", e.Time),
				}
				if e.Job.ExecutionID != "" {
					fields = append(fields, logx.String("execution_id", e.Job.ExecutionID))
				}
				if e.Job.Reason != "" {
					fields = append(fields, logx.String("reason", e.Job.Reason))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	if strings.TrimSpace(a.cfgPath) != "" {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					a.applyConfig(lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.GoRestart("config.watch", time.Second, 30*time.Second, func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies logging and scheduler settings. Storage and
// built-in job changes are logged and wait for a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.RequiresRestart(sections) {
		a.log.Warn("storage or built-in job config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	sc, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in order: timers and in-flight runs, app loops, issues,
// storage. Each step is bounded so one component cannot stall the rest.
// Storage stays open while scheduled runs are still in flight so they can
// record their outcome.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

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
		}
	}

	// Runs must finish persisting before the store closes.
	step("scheduler", 10*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
		a.log.Debug("app loops stopped", logx.String("loops", a.sup.Counters().String()))
	}
	if a.issues != nil {
		step("issues", time.Second, func(context.Context) error {
			a.issues.Close()
			return nil
		})
	}
	if n := a.sched.InFlight(); n > 0 {
		a.log.Warn("scheduled runs still in flight; leaving storage open so they can record",
			logx.Int64("in_flight", n))
	} else {
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
