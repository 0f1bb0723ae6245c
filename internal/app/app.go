package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"kidbot/internal/api"
	"kidbot/internal/audit"
	"kidbot/internal/config"
	"kidbot/internal/content"
	"kidbot/internal/eventbus"
	"kidbot/internal/models"
	"kidbot/internal/notify"
	"kidbot/internal/runtime/sdnotify"
	rtsup "kidbot/internal/runtime/supervisor"
	"kidbot/internal/storage"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/dedup"
	"kidbot/internal/task/engine"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	"kidbot/internal/task/retry"
	"kidbot/internal/task/scheduler"
	"kidbot/internal/telemetry"
	kit "kidbot/internal/transport"
	telegram "kidbot/internal/transport/telegram/adapter"
	"kidbot/internal/transport/telegram/router"
	logx "kidbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	loc   *time.Location

	// adapter is nil when no bot token is configured; notifications are then logged.
	adapter *telegram.Adapter
	tgSink  *notify.TelegramSink
	cmds    *router.Manager
	updates chan kit.Update
	logChat atomic.Pointer[kit.ChatTarget]

	limiter *ratelimit.Limiter
	retry   *retry.Coordinator
	guard   *dedup.Guard
	engine  *engine.Service
	sched   *scheduler.Scheduler
	metrics *telemetry.Metrics
	kafka   *audit.KafkaSink
	api     *api.Server
	sd      *sdnotify.Notifier

	checks  []contentCheck
	applied *config.Config
}

// overrides replaces collaborators that would otherwise be built from configuration.
type overrides struct {
	fetcher content.Fetcher
	sink    notify.Sink
	now     func() time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, overrides{})
}

func newApp(cfgm *config.Manager, cfg *config.Config, o overrides) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, loc: loc, applied: cfg, bus: eventbus.New(), updates: make(chan kit.Update, 256)}
	a.setLogChat(cfg)

	// Chat logging is wired before the adapter exists; the sender resolves it lazily.
	a.logs, a.log = logx.New(mapLoggingConfig(cfg), a.sendLogLine)
	log := a.log.With(logx.String("comp", "app"))

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		if a.adapter, err = telegram.New(tcfg, a.log.With(logx.String("comp", "telegram"))); err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, a.log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driverName(sc.Driver)))

	if err := a.buildScheduler(cfg, o); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	apiCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.api = api.New(apiCfg, a.sched, a.metrics.Handler(), a.log.With(logx.String("comp", "api")))
	a.sd = sdnotify.New(a.log.With(logx.String("comp", "systemd")))

	if a.tgSink != nil && cfg.Telegram.Commands {
		a.cmds = router.NewManager(router.Config{Workers: cfg.Telegram.CommandWorkers}, a.adapter, a.tgSink, a.log.With(logx.String("comp", "commands")))
		a.cmds.SetCommands(router.TenantCommands(a.sched, loc, o.now))
	}
	return a, nil
}

func (a *App) buildScheduler(cfg *config.Config, o overrides) error {
	limits, err := mapLimits(cfg)
	if err != nil {
		return err
	}
	rc, err := mapRetryConfig(cfg)
	if err != nil {
		return err
	}
	dc, err := mapDedupConfig(cfg)
	if err != nil {
		return err
	}
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	if a.checks, err = mapContentChecks(cfg); err != nil {
		return err
	}

	a.metrics = telemetry.New()
	eval := cronexpr.New(a.loc)
	a.limiter = ratelimit.New(limits)
	reg := registry.New(eval, a.limiter, a.store, a.log.With(logx.String("comp", "registry")))
	a.retry = retry.New(rc, a.store, a.log.With(logx.String("comp", "retry")))
	a.guard = dedup.New(dc, a.store, a.log.With(logx.String("comp", "dedup")))
	a.engine = engine.New(ec, a.log.With(logx.String("comp", "engine")), a.bus)

	sinks := audit.Multi{audit.BusSink{Bus: a.bus}}
	if cfg.Audit.Store {
		sinks = append(sinks, audit.NewStoreSink(a.store, a.log.With(logx.String("comp", "audit"))))
	}
	if cfg.Audit.Kafka.Enabled {
		kc, err := mapKafkaConfig(cfg)
		if err != nil {
			return err
		}
		if a.kafka, err = audit.NewKafkaSink(kc, a.log.With(logx.String("comp", "audit.kafka"))); err != nil {
			return err
		}
		sinks = append(sinks, a.kafka)
	}

	sink := o.sink
	if sink == nil {
		sink, err = a.buildSink(cfg)
		if err != nil {
			return err
		}
	}

	a.sched, err = scheduler.New(schedCfg, scheduler.Deps{
		Eval:      eval,
		Registry:  reg,
		Limiter:   a.limiter,
		Retry:     a.retry,
		Engine:    a.engine,
		Reminders: a.store,
		Sink:      sink,
		Audit:     sinks,
		Metrics:   a.metrics,
		Bus:       a.bus,
		Log:       a.log.With(logx.String("comp", "scheduler")),
		Now:       o.now,
	})
	if err != nil {
		return err
	}
	a.sched.Register(models.KindMessage, scheduler.MessageJob{Sink: sink})

	fetcher := o.fetcher
	if fetcher == nil && strings.TrimSpace(cfg.Content.Bucket) != "" {
		s3cfg := mapContentConfig(cfg)
		client, err := content.NewS3Client(context.Background(), s3cfg)
		if err != nil {
			return err
		}
		bc, err := mapBreakerConfig(cfg)
		if err != nil {
			return err
		}
		breaker := content.NewBreaker(content.NewS3Fetcher(client, s3cfg), bc)
		a.metrics.Gauge("content_circuit_open", "1 while content fetches fail fast.", func() float64 {
			if breaker.Open() {
				return 1
			}
			return 0
		})
		fetcher = breaker
	}
	if fetcher != nil {
		a.sched.Register(models.KindContentCheck, &content.Job{
			Fetcher:     fetcher,
			Sink:        sink,
			Guard:       a.guard,
			Log:         a.log.With(logx.String("comp", "content")),
			Loc:         a.loc,
			OnDuplicate: a.metrics.DuplicateSuppressed,
		})
	}

	a.metrics.Gauge("engine_queue_length", "Task runs waiting for a worker.", func() float64 { return float64(a.engine.Snapshot().QueueLen) })
	a.metrics.Gauge("engine_in_flight", "Task bodies currently running.", func() float64 { return float64(a.engine.InFlight()) })
	a.metrics.Gauge("dedup_entries", "Remembered content digests.", func() float64 { return float64(a.guard.Len()) })
	return nil
}

func (a *App) buildSink(cfg *config.Config) (notify.Sink, error) {
	if a.adapter == nil {
		a.log.Warn("no telegram token; notifications are only logged")
		return notify.LogSink{Log: a.log.With(logx.String("comp", "notify"))}, nil
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.tgSink = notify.NewTelegramSink(a.adapter, nc, mapTargets(cfg), a.log.With(logx.String("comp", "notify")))
	return a.tgSink, nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

func (a *App) setLogChat(cfg *config.Config) {
	lt := cfg.Logging.Telegram
	if !lt.Enabled || lt.ChatID == 0 {
		a.logChat.Store(nil)
		return
	}
	a.logChat.Store(&kit.ChatTarget{ChatID: lt.ChatID, ThreadID: lt.ThreadID})
}

func (a *App) sendLogLine(ctx context.Context, text string) error {
	to := a.logChat.Load()
	if to == nil || a.adapter == nil {
		return nil
	}
	_, err := a.adapter.SendText(ctx, *to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Scheduler exposes the scheduler facade.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.kafka != nil {
		a.sup.Go("audit.kafka", a.kafka.Run)
	}
	if err := a.sched.Start(run); err != nil {
		return err
	}
	a.provisionContentChecks(run, a.checks)

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
		if a.cmds != nil {
			a.sup.Go("commands.dispatch", func(c context.Context) error {
				return a.cmds.DispatchLoop(c, a.updates)
			})
			if err := a.adapter.UpdateMenuCommands(run, a.cmds.MenuCommands()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		} else {
			a.sup.Go0("updates.drain", func(c context.Context) {
				for {
					select {
					case <-c.Done():
						return
					case <-a.updates:
					}
				}
			})
		}
	}
	a.api.Start(run)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.sup.Go0("config.reload", a.reloadLoop)
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	a.sd.Ready()
	st := a.sched.Snapshot()
	a.sd.Status(fmt.Sprintf("%d tasks across %d tenants", st.Tasks, st.Tenants))

	a.log.Info("app started")
	return nil
}

// provisionContentChecks creates or updates the managed content check tasks.
// A failure for one tenant is logged and does not stop the others.
func (a *App) provisionContentChecks(ctx context.Context, checks []contentCheck) {
	for _, c := range checks {
		t, err := a.sched.ProvisionContentCheck(ctx, c.tenant, c.name, c.cron, c.spec)
		if err != nil {
			a.log.Warn("content check not provisioned", logx.Tenant(c.tenant), logx.String("task", c.name), logx.Err(err))
			continue
		}
		a.log.Debug("content check provisioned", logx.Tenant(c.tenant), logx.String("task_id", t.ID))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// The scheduler drains in-flight runs before the app context is canceled so they
	// can still deliver.
	a.step(ctx, "scheduler", 15*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.sup.Cancel()

	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	}
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and by ctx. A step that overruns is
// left running and reported when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
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
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
