package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postsched/internal/clock"
	"postsched/internal/eventbus"
	"postsched/internal/gateway"
	"postsched/internal/observability/ops"
	"postsched/internal/post"
	"postsched/internal/publishing"
	"postsched/internal/storage"
	"postsched/internal/task/engine"
	"postsched/internal/task/scheduler"
	logx "postsched/pkg/logx"
	"postsched/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	reg   *post.Registry
	store storage.Store
	plan  storagePlan

	sim      *gateway.Simulated
	an       *gateway.SimulatedAnalytics
	guard    *gateway.Guarded
	guardCfg gateway.GuardConfig

	engine  *engine.Service
	sched   *scheduler.Service
	pub     *publishing.Service
	metrics *publishing.Metrics
	ops     *ops.Service

	seeds []seedDraft

	recCancel context.CancelFunc
	recDone   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	// Validate already ran every mapping; errors below are unreachable.
	pubCfg, _ := mapPublishingConfig(cfg)
	simCfg, guardCfg, _ := mapPublisherConfig(cfg)
	anCfg, _ := mapAnalyticsConfig(cfg)
	engCfg, _ := mapTaskEngineConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	opsCfg, _ := mapOpsConfig(cfg)
	seeds, _ := mapSeedPosts(cfg)
	plan, storeOn, _ := mapStorageConfig(cfg)

	bus := eventbus.New()
	reg := post.NewRegistry(post.WithBus(bus))

	var store storage.Store
	if storeOn {
		st, err := storage.Open(plan.cfg, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", plan.cfg.Driver), logx.String("path", plan.cfg.Path))
	}

	clk := clock.Real()
	sim := gateway.NewSimulated(simCfg, clk)
	an := gateway.NewSimulatedAnalytics(anCfg)
	guard := gateway.NewGuarded(sim, guardCfg, log.With(logx.String("comp", "gateway")))

	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")))
	schedSvc := scheduler.New(schedCfg, engineSvc, log.With(logx.String("comp", "scheduler")))

	metrics := publishing.NewMetrics()
	pubSvc := publishing.New(pubCfg, reg, guard, an, engineSvc,
		publishing.WithClock(clk),
		publishing.WithLogger(log.With(logx.String("comp", "publishing"))),
		publishing.WithMetrics(metrics),
	)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		reg:      reg,
		store:    store,
		plan:     plan,
		sim:      sim,
		an:       an,
		guard:    guard,
		guardCfg: guardCfg,
		engine:   engineSvc,
		sched:    schedSvc,
		pub:      pubSvc,
		metrics:  metrics,
		seeds:    seeds,
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Posts:    pubSvc,
		Journal:  store,
		Registry: metrics.Registry,
		Health:   a.health,
		Now:      clk.Now,
	}, log.With(logx.String("comp", "ops")))

	if err := a.registerJobs(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// Publishing exposes the post API.
func (a *App) Publishing() *publishing.Service { return a.pub }

// Logger is the app's root logger.
func (a *App) Logger() logx.Logger { return a.log }

// Ops exposes the ops server (its bound address is useful in tests).
func (a *App) Ops() *ops.Service { return a.ops }

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

func (a *App) registerJobs(cfg *Config) error {
	spec, err := summarySchedule(cfg)
	if err != nil {
		return err
	}
	if spec == "" {
		a.sched.Remove(jobSummary)
	} else if err := a.sched.AddSchedule(jobSummary, spec, 10*time.Second,
		summaryJob(a.pub.Summary, a.systemdStatus, a.log.With(logx.String("job", jobSummary)))); err != nil {
		return fmt.Errorf("summary.schedule: %w", err)
	}

	if a.store == nil || strings.EqualFold(a.plan.pruneSchedule, "off") {
		return nil
	}
	return a.sched.AddSchedule(jobPrune, a.plan.pruneSchedule, 30*time.Second,
		pruneJob(a.store, a.plan.retention, time.Now, a.log.With(logx.String("job", jobPrune))))
}

func (a *App) systemdStatus(msg string) { systemd.Status(a.log, msg) }

func (a *App) health() any {
	out := map[string]any{
		"engine":      a.engine.Snapshot(),
		"scheduler":   a.sched.Snapshot(),
		"in_flight":   a.pub.InFlight(),
		"breaker":     a.guard.BreakerState(),
		"bus_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.pub.Supervisor(); sup != nil {
		out["publishing"] = sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })

	// The recorder outlives the app context so shutdown failures still
	// reach the journal; Stop ends it right before closing the store.
	if a.store != nil {
		rec := storage.NewRecorder(a.bus, a.store, a.log.With(logx.String("comp", "journal")))
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.recCancel, a.recDone = cancel, make(chan struct{})
		go func() {
			defer close(a.recDone)
			_ = rec.Run(rctx)
		}()
	}

	a.engine.Start(a.sup.Context())
	a.pub.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	now := time.Now()
	for i, sd := range a.seeds {
		p, err := a.pub.CreatePost(a.sup.Context(), sd.draft(now))
		if err != nil {
			return fmt.Errorf("seed_posts[%d]: %w", i, err)
		}
		a.log.Info("seed post scheduled", logx.String("post", p.ID), logx.Time("at", p.ScheduledAt))
	}

	// Optional: log events for observability/debug.
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
				// Keep this debug-level; stats polls are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
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
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyConfig(c, newCfg, sections)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("seed_posts", len(a.seeds)))
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(c context.Context, cfg *Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "seed_posts":
			a.log.Info("seed_posts changed; seeds are only created at startup")
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if pc, err := mapPublishingConfig(cfg); err == nil {
		a.pub.Apply(pc)
	}
	if simCfg, guardCfg, err := mapPublisherConfig(cfg); err == nil {
		a.sim.Apply(simCfg)
		if guardCfg != a.guardCfg {
			a.log.Warn("publisher rate limit or circuit breaker changed; restart required for changes to take effect")
		}
	}
	if ac, err := mapAnalyticsConfig(cfg); err == nil {
		a.an.Apply(ac)
	}
	if ec, err := mapTaskEngineConfig(cfg); err == nil {
		a.engine.Apply(c, ec)
	}

	if sc, err := mapSchedulerConfig(cfg); err == nil {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(c)
		}
	}
	if err := a.registerJobs(cfg); err != nil {
		a.log.Warn("schedule update failed; keeping previous", logx.Err(err))
	}

	if oc, err := mapOpsConfig(cfg); err == nil {
		a.ops.Reconfigure(c, oc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
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
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Outer surfaces first, then triggers, then the work they feed.
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("publishing", 3*time.Second, func(c context.Context) error { a.pub.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })

	a.sup.Cancel()

	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		a.recCancel()
		select {
		case <-a.recDone:
		case <-c.Done():
		}
		return a.store.Close()
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	s := a.pub.Summary()
	a.log.Info("stopped",
		logx.Int("published", s.Published),
		logx.Int("failed", s.Failed),
		logx.Int("scheduled", s.Scheduled),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
