package config

import (
	"reflect"
	"sort"
	"strings"

	logx "kidbot/pkg/logx"
)

// Change summarizes a reload. Attrs never carry secrets.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// Tenants lists tenant ids that were added, removed or edited.
	Tenants []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// coldSections are read once at startup.
var coldSections = map[string]bool{
	"timezone": true,
	"telegram": true,
	"storage":  true,
	"engine":   true,
	"content":  true,
	"audit":    true,
}

// SummarizeConfigChange compares two configurations section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := redacted(oldCfg), redacted(newCfg)

	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if coldSections[section] {
			ch.Restart = append(ch.Restart, section)
		}
	}

	if strings.TrimSpace(o.Timezone) != strings.TrimSpace(n.Timezone) {
		mark("timezone", logx.String("timezone", n.Timezone))
	}
	if !reflect.DeepEqual(o.Telegram, n.Telegram) || secretChanged(oldCfg.Telegram.Token, newCfg.Telegram.Token) {
		mark("telegram",
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Bool("telegram.commands", n.Telegram.Commands),
		)
	}
	if !reflect.DeepEqual(o.Logging, n.Logging) {
		mark("logging",
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(o.Storage, n.Storage) ||
		secretChanged(oldCfg.Storage.DSN, newCfg.Storage.DSN) ||
		secretChanged(oldCfg.Storage.Redis.Password, newCfg.Storage.Redis.Password) {
		mark("storage",
			logx.String("storage.driver", n.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Storage.Path) != ""),
		)
	}
	if !reflect.DeepEqual(o.Scheduler, n.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", n.Scheduler.Enabled),
			logx.String("scheduler.task_tick", n.Scheduler.TaskTick),
			logx.String("scheduler.reminder_tick", n.Scheduler.ReminderTick),
		)
	}
	if !reflect.DeepEqual(o.Engine, n.Engine) {
		mark("engine", logx.Int("engine.workers", n.Engine.Workers), logx.Int("engine.queue_size", n.Engine.QueueSize))
	}
	if !reflect.DeepEqual(o.Limits, n.Limits) {
		mark("limits",
			logx.Int("limits.max_tasks", n.Limits.MaxTasks),
			logx.Int("limits.daily_operations", n.Limits.DailyOperations),
			logx.Int("limits.hourly_executions", n.Limits.HourlyExecutions),
			logx.String("limits.cooldown", n.Limits.Cooldown),
		)
	}
	if !reflect.DeepEqual(o.Retry, n.Retry) {
		mark("retry", logx.String("retry.interval", n.Retry.Interval), logx.String("retry.max_duration", n.Retry.MaxDuration))
	}
	if !reflect.DeepEqual(o.Dedup, n.Dedup) {
		mark("dedup", logx.String("dedup.window", n.Dedup.Window), logx.Int("dedup.max_entries", n.Dedup.MaxEntries))
	}
	if !reflect.DeepEqual(o.Notifier, n.Notifier) {
		mark("notifier", logx.Int("notifier.rate_per_sec", n.Notifier.RatePerSec))
	}
	if !reflect.DeepEqual(o.HTTP, n.HTTP) || secretChanged(oldCfg.HTTP.Token, newCfg.HTTP.Token) {
		mark("http",
			logx.Bool("http.enabled", n.HTTP.Enabled),
			logx.String("http.addr", n.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}
	if !reflect.DeepEqual(o.Content, n.Content) {
		mark("content", logx.String("content.bucket", n.Content.Bucket))
	}
	if !reflect.DeepEqual(o.Audit, n.Audit) {
		mark("audit", logx.Bool("audit.store", n.Audit.Store), logx.Bool("audit.kafka", n.Audit.Kafka.Enabled))
	}

	ch.Tenants = diffTenants(o.Tenants, n.Tenants)
	if len(ch.Tenants) > 0 {
		mark("tenants", logx.Int("tenants.changed", len(ch.Tenants)), logx.Int("tenants.count", len(n.Tenants)))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}

// redacted returns a shallow copy with secrets blanked so sections compare on
// their public fields.
func redacted(c *Config) Config {
	out := *c
	out.Telegram.Token = ""
	out.Storage.DSN = ""
	out.Storage.Redis.Password = ""
	out.HTTP.Token = ""
	return out
}

func secretChanged(a, b string) bool { return strings.TrimSpace(a) != strings.TrimSpace(b) }

func diffTenants(oldT, newT []TenantConfig) []string {
	byID := func(ts []TenantConfig) map[string]TenantConfig {
		m := make(map[string]TenantConfig, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.ID)] = t
		}
		return m
	}
	om, nm := byID(oldT), byID(newT)
	var out []string
	for id, t := range nm {
		if prev, ok := om[id]; !ok || !reflect.DeepEqual(prev, t) {
			out = append(out, id)
		}
	}
	for id := range om {
		if _, ok := nm[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
