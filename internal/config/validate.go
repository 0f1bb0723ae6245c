package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"kidbot/internal/storage"
	"kidbot/internal/task/cronexpr"
)

// Validate reports every problem found, joined. It does not fill defaults.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) { _, err := ParseDurationField(path, raw); add(err) }

	loc, err := c.Location()
	add(err)

	if c.Telegram.Commands && strings.TrimSpace(c.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required when commands are enabled (or set %s)", EnvTelegramToken))
	}
	if c.Logging.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add(errors.New("logging.telegram: needs telegram.token"))
		}
		if c.Logging.Telegram.ChatID == 0 {
			add(errors.New("logging.telegram.chat_id: required"))
		}
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch {
	case driver == "" || slices.Contains(storage.Drivers(), driver):
	default:
		add(fmt.Errorf("storage.driver: unknown %q (want one of %s)", c.Storage.Driver, strings.Join(storage.Drivers(), ", ")))
	}
	if driver == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		add(fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvStorageDSN))
	}
	if driver == "redis" && strings.TrimSpace(c.Storage.Redis.Addr) == "" {
		add(errors.New("storage.redis.addr: required for redis"))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	dur("scheduler.task_tick", c.Scheduler.TaskTick)
	dur("scheduler.reminder_tick", c.Scheduler.ReminderTick)
	dur("scheduler.exec_timeout", c.Scheduler.ExecTimeout)
	dur("scheduler.stop_grace", c.Scheduler.StopGrace)
	dur("scheduler.prune_every", c.Scheduler.PruneEvery)
	dur("engine.default_timeout", c.Engine.DefaultTimeout)
	_, err = ParseSignedDuration("limits.cooldown", c.Limits.Cooldown)
	add(err)
	dur("retry.interval", c.Retry.Interval)
	dur("retry.max_duration", c.Retry.MaxDuration)
	dur("retry.retention", c.Retry.Retention)
	dur("dedup.window", c.Dedup.Window)
	dur("notifier.timeout", c.Notifier.Timeout)
	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)
	dur("audit.kafka.write_timeout", c.Audit.Kafka.WriteTimeout)
	dur("content.breaker_cooldown", c.Content.BreakerCooldown)
	dur("content.breaker_max_cooldown", c.Content.BreakerMaxCooldown)

	if c.Audit.Kafka.Enabled && (len(c.Audit.Kafka.Brokers) == 0 || strings.TrimSpace(c.Audit.Kafka.Topic) == "") {
		add(errors.New("audit.kafka: brokers and topic are required when enabled"))
	}

	if loc == nil {
		loc = time.UTC
	}
	add(c.validateTenants(cronexpr.New(loc)))

	return errors.Join(errs...)
}

func (c *Config) validateTenants(eval *cronexpr.Evaluator) error {
	var errs []error
	ids := map[string]bool{}
	chats := map[int64]string{}
	for i, t := range c.Tenants {
		path := fmt.Sprintf("tenants[%d]", i)
		id := strings.TrimSpace(t.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s.id: required", path))
		case ids[id]:
			errs = append(errs, fmt.Errorf("%s.id: duplicate %q", path, id))
		}
		ids[id] = true
		if t.ChatID != 0 {
			if other, dup := chats[t.ChatID]; dup {
				errs = append(errs, fmt.Errorf("%s.chat_id: already linked to %q", path, other))
			}
			chats[t.ChatID] = id
		}

		cc := t.ContentCheck
		if cc == nil {
			continue
		}
		if strings.TrimSpace(c.Content.Bucket) == "" {
			errs = append(errs, fmt.Errorf("%s.content_check: content.bucket is not configured", path))
		}
		if err := eval.Validate(cc.Cron); err != nil {
			errs = append(errs, fmt.Errorf("%s.content_check.cron: %w", path, err))
		}
		if _, err := ParseDurationField(path+".content_check.retry_interval", cc.RetryInterval); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(path+".content_check.max_retry_duration", cc.MaxRetryDuration); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
