package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"greetd/internal/account"
	"greetd/internal/admin"
	"greetd/internal/blob"
	"greetd/internal/channel"
	"greetd/internal/config"
	"greetd/internal/eventbus"
	"greetd/internal/housekeeping"
	"greetd/internal/metrics"
	"greetd/internal/queue"
	"greetd/internal/ratelimit"
	"greetd/internal/reconcile"
	"greetd/internal/render"
	"greetd/internal/runtime/supervisor"
	"greetd/internal/scheduler"
	"greetd/internal/storage"
	"greetd/internal/task"
	logx "greetd/pkg/logx"
	"greetd/pkg/validate"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	now  func() time.Time

	base logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	redis    *ratelimit.RedisStore
	accounts *account.Directory
	adapters *channel.Registry
	limiter  *ratelimit.Limiter

	sched      *scheduler.Scheduler
	queue      *queue.Manager
	reconciler *reconcile.Reconciler
	runner     *task.Runner
	metrics    *metrics.Metrics
	admin      *admin.Server

	mu    sync.Mutex
	hkCfg housekeeping.Config
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	a = &App{
		cfgm: cfgm,
		now:  time.Now,
		base: log,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	defer func() {
		if err != nil {
			a.closeStores()
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	var counters ratelimit.CounterStore = a.store
	if r := cfg.Redis; r != nil {
		client, err := ratelimit.NewRedisClient(ratelimit.RedisConfig{
			Addr:     r.Addr,
			Username: r.Username,
			Password: r.Password,
			DB:       r.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = ratelimit.NewRedisStore(client)
		counters = a.redis
	}
	rlCfg, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(rlCfg, counters, log.With(logx.String("comp", "ratelimit")))

	accs, err := mapAccounts(cfg)
	if err != nil {
		return nil, err
	}
	if a.accounts, err = account.NewDirectory(cfg.Accounts.DefaultTimezone, accs); err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}

	var (
		files    channel.Artifacts
		renderer render.Renderer = render.Disabled{}
	)
	if root := strings.TrimSpace(cfg.Blob.Root); root != "" {
		blobs, err := blob.New(root, cfg.Blob.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("blob: %w", err)
		}
		files = blobs
		if strings.TrimSpace(cfg.Render.Endpoint) != "" {
			timeout, err := config.ParseDurationOrDefault("render.timeout", cfg.Render.Timeout, 60*time.Second)
			if err != nil {
				return nil, err
			}
			h, err := render.NewHTTP(render.Config{
				Endpoint:        cfg.Render.Endpoint,
				TemplateBaseURL: cfg.Render.TemplateBaseURL,
				Timeout:         timeout,
			}, blobs, log.With(logx.String("comp", "render")))
			if err != nil {
				return nil, fmt.Errorf("render: %w", err)
			}
			renderer = h
		}
	}

	if a.adapters, err = buildAdapters(cfg, a.accounts, files, log.With(logx.String("comp", "channel"))); err != nil {
		return nil, err
	}
	if len(a.adapters.Channels()) == 0 {
		a.log.Warn("no delivery channels configured; queued notifications will fail")
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.store, renderer,
		scheduler.WithBus(a.bus),
		scheduler.WithZones(a.accounts),
		scheduler.WithLogger(log),
	)

	qCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.queue = queue.New(qCfg, a.store, a.adapters, log,
		queue.WithBus(a.bus),
		queue.WithLimiter(a.limiter),
	)

	recCfg, err := mapReconcileConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.reconciler = reconcile.New(recCfg, a.store, a.adapters, a.bus, log)

	if a.hkCfg, err = mapHousekeepingConfig(cfg); err != nil {
		return nil, err
	}

	loc, err := account.LoadZone(cfg.Tasks.Timezone)
	if err != nil {
		return nil, fmt.Errorf("tasks.timezone: %w", err)
	}
	a.runner = task.NewRunner(log,
		task.WithLocation(loc),
		task.WithBus(a.bus),
		task.WithHistory(cfg.Tasks.HistorySize),
	)
	if err := a.registerTasks(cfg.Tasks); err != nil {
		return nil, err
	}

	a.metrics = metrics.New()
	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.admin = admin.New(adminCfg, admin.Deps{
		Events:     a.sched,
		Queue:      a.queue,
		Tasks:      a.runner,
		Health:     a.health,
		Gatherer:   a.metrics.Registry,
		Validate:   validate.Default(),
		Supervisor: a.supervisorSnapshot,
	}, log)

	return a, nil
}

// health reports whether the backing stores answer.
func (a *App) health(ctx context.Context) error {
	var errs []error
	if err := a.store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// validate is the reload gate: every live-applied section must map cleanly.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimitConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReconcileConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHousekeepingConfig(cfg); err != nil {
		return err
	}
	accs, err := mapAccounts(cfg)
	if err != nil {
		return err
	}
	if _, err := account.NewDirectory(cfg.Accounts.DefaultTimezone, accs); err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	return nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// supervisorSnapshot reports the supervised goroutines; empty before Start.
func (a *App) supervisorSnapshot() supervisor.Snapshot {
	return a.sup.Snapshot()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.base.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.admin.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("admin: %w", err)
	}

	a.sup.GoRestart("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second), supervisor.WithMaxRestarts(10))

	// Lifecycle events at debug level; metrics subscribe on their own.
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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
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

	a.runner.Start(a.sup.Context())
	a.log.Info("app started", logx.Any("channels", a.adapters.Channels()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest config.
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
		a.apply(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// apply pushes the live-applied sections of newCfg into the running
// components. Sections that need a restart are only reported.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range restart {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if c, err := mapSchedulerConfig(newCfg); err == nil {
		a.sched.Apply(c)
	}
	if c, err := mapQueueConfig(newCfg); err == nil {
		a.queue.Apply(c)
	}
	if c, err := mapRateLimitConfig(newCfg); err == nil {
		a.limiter.Apply(c)
	}
	if c, err := mapReconcileConfig(newCfg); err == nil {
		a.reconciler.Apply(c)
	}
	if c, err := mapHousekeepingConfig(newCfg); err == nil {
		a.mu.Lock()
		a.hkCfg = c
		a.mu.Unlock()
	}
	if accs, err := mapAccounts(newCfg); err == nil {
		if err := a.accounts.Apply(newCfg.Accounts.DefaultTimezone, accs); err != nil {
			a.log.Warn("accounts not applied", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first so no new tick starts, then in-flight ticks drain.
	step("tasks", 10*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	step("admin", 3*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) error { a.closeStores(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() {
	if a.redis != nil {
		a.redis.Close()
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
