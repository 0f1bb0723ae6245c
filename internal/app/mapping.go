package app

import (
	"errors"
	"strings"
	"time"

	"kidbot/internal/api"
	"kidbot/internal/audit"
	"kidbot/internal/config"
	"kidbot/internal/content"
	"kidbot/internal/notify"
	"kidbot/internal/storage"
	"kidbot/internal/task/dedup"
	"kidbot/internal/task/engine"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	"kidbot/internal/task/retry"
	"kidbot/internal/task/scheduler"
	kit "kidbot/internal/transport"
	telegram "kidbot/internal/transport/telegram/adapter"
	logx "kidbot/pkg/logx"
)

// Mapping from the file format to component configs. Durations were checked by
// config.Validate, but every mapper still returns the parse error.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "sqlite" && strings.TrimSpace(sc.Path) == "" {
		return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			Prefix:    sc.Redis.Prefix,
			AuditKeep: sc.Redis.AuditKeep,
		},
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled && lc.Telegram.ChatID != 0,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	if poll == 0 {
		poll = 10 * time.Second
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	var p durations
	out := scheduler.Config{
		Enabled:          sc.Enabled,
		TaskTick:         p.get("scheduler.task_tick", sc.TaskTick),
		ReminderTick:     p.get("scheduler.reminder_tick", sc.ReminderTick),
		ExecTimeout:      p.get("scheduler.exec_timeout", sc.ExecTimeout),
		StopGrace:        p.get("scheduler.stop_grace", sc.StopGrace),
		ReminderBatch:    sc.ReminderBatch,
		SweepConcurrency: sc.SweepConcurrency,
		PruneEvery:       p.get("scheduler.prune_every", sc.PruneEvery),
	}
	return out, p.err
}

// mapEngineConfig enables the engine whenever the scheduler is enabled.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	var p durations
	out := engine.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: p.get("engine.default_timeout", ec.DefaultTimeout),
		HistorySize:    ec.HistorySize,
	}
	return out, p.err
}

// mapLimits resolves 0 to the default and a negative value to "gate disabled".
func mapLimits(cfg *config.Config) (ratelimit.Limits, error) {
	lc := cfg.Limits
	def := ratelimit.DefaultLimits()
	pick := func(v, d int) int {
		switch {
		case v < 0:
			return 0
		case v == 0:
			return d
		default:
			return v
		}
	}
	cooldown, err := config.ParseSignedDuration("limits.cooldown", lc.Cooldown)
	if err != nil {
		return ratelimit.Limits{}, err
	}
	switch {
	case cooldown < 0:
		cooldown = 0
	case cooldown == 0:
		cooldown = def.Cooldown
	}
	return ratelimit.Limits{
		MaxTasks:         pick(lc.MaxTasks, def.MaxTasks),
		DailyOperations:  pick(lc.DailyOperations, def.DailyOperations),
		HourlyExecutions: pick(lc.HourlyExecutions, def.HourlyExecutions),
		Cooldown:         cooldown,
	}, nil
}

func mapRetryConfig(cfg *config.Config) (retry.Config, error) {
	rc := cfg.Retry
	var p durations
	out := retry.Config{
		Interval:    p.get("retry.interval", rc.Interval),
		MaxDuration: p.get("retry.max_duration", rc.MaxDuration),
		MaxAttempts: rc.MaxAttempts,
		Retention:   p.get("retry.retention", rc.Retention),
	}
	return out, p.err
}

func mapDedupConfig(cfg *config.Config) (dedup.Config, error) {
	dc := cfg.Dedup
	def := dedup.DefaultConfig()
	window, err := config.ParseDurationField("dedup.window", dc.Window)
	if err != nil {
		return dedup.Config{}, err
	}
	if window == 0 {
		window = def.Window
	}
	if dc.MaxEntries <= 0 {
		dc.MaxEntries = def.MaxEntries
	}
	return dedup.Config{Window: window, MaxEntries: dc.MaxEntries, Persist: dc.Persist}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	timeout, err := config.ParseDurationField("notifier.timeout", cfg.Notifier.Timeout)
	return notify.Config{RatePerSec: cfg.Notifier.RatePerSec, Timeout: timeout}, err
}

func mapHTTPConfig(cfg *config.Config) (api.Config, error) {
	hc := cfg.HTTP
	var p durations
	out := api.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		ReadTimeout:   p.get("http.read_timeout", hc.ReadTimeout),
		WriteTimeout:  p.get("http.write_timeout", hc.WriteTimeout),
		IdleTimeout:   p.get("http.idle_timeout", hc.IdleTimeout),
	}
	return out, p.err
}

func mapContentConfig(cfg *config.Config) content.S3Config {
	cc := cfg.Content
	return content.S3Config{
		Bucket:      strings.TrimSpace(cc.Bucket),
		Region:      cc.Region,
		Endpoint:    cc.Endpoint,
		PathStyle:   cc.PathStyle,
		KeyTemplate: cc.KeyTemplate,
		Prefix:      cc.Prefix,
	}
}

func mapBreakerConfig(cfg *config.Config) (content.BreakerConfig, error) {
	cc := cfg.Content
	var p durations
	out := content.BreakerConfig{
		TripFailures: cc.BreakerFailures,
		BaseDelay:    p.get("content.breaker_cooldown", cc.BreakerCooldown),
		MaxDelay:     p.get("content.breaker_max_cooldown", cc.BreakerMaxCooldown),
	}
	return out, p.err
}

func mapKafkaConfig(cfg *config.Config) (audit.KafkaConfig, error) {
	kc := cfg.Audit.Kafka
	timeout, err := config.ParseDurationField("audit.kafka.write_timeout", kc.WriteTimeout)
	return audit.KafkaConfig{
		Brokers:      kc.Brokers,
		Topic:        kc.Topic,
		QueueSize:    kc.QueueSize,
		WriteTimeout: timeout,
	}, err
}

// mapTargets builds the tenant to chat routing table. Tenants without a chat are
// left out and cannot receive notifications.
func mapTargets(cfg *config.Config) map[string]kit.ChatTarget {
	out := make(map[string]kit.ChatTarget, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" || t.ChatID == 0 {
			continue
		}
		out[id] = kit.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID}
	}
	return out
}

// contentCheck is one configured, managed content check task.
type contentCheck struct {
	tenant string
	name   string
	cron   string
	spec   registry.Spec
}

func mapContentChecks(cfg *config.Config) ([]contentCheck, error) {
	var out []contentCheck
	var p durations
	for _, t := range cfg.Tenants {
		cc := t.ContentCheck
		if cc == nil {
			continue
		}
		name := strings.TrimSpace(cc.Name)
		if name == "" {
			name = config.DefaultContentCheckName
		}
		out = append(out, contentCheck{
			tenant: strings.TrimSpace(t.ID),
			name:   name,
			cron:   strings.TrimSpace(cc.Cron),
			spec: registry.Spec{
				Disabled:         cc.Disabled,
				RetryInterval:    p.get("content_check.retry_interval", cc.RetryInterval),
				MaxRetryDuration: p.get("content_check.max_retry_duration", cc.MaxRetryDuration),
			},
		})
	}
	return out, p.err
}

// durations collects the first parse error of a run of fields.
type durations struct{ err error }

func (p *durations) get(path, raw string) time.Duration {
	d, err := config.ParseDurationField(path, raw)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}
