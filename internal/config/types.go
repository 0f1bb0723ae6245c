// Package config loads, validates and watches the kidbot configuration file.
//
// Durations are Go duration strings ("90s", "1h"). An omitted or zero value selects
// the component default.
package config

type Config struct {
	// Timezone is the IANA zone cron expressions and chat times are evaluated in.
	// Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`

	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine,omitempty"`
	Limits    LimitsConfig    `json:"limits,omitempty"`
	Retry     RetryConfig     `json:"retry,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
	Content   ContentConfig   `json:"content,omitempty"`
	Audit     AuditConfig     `json:"audit,omitempty"`
	Tenants   []TenantConfig  `json:"tenants"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through KIDBOT_TELEGRAM_TOKEN.
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Commands enables the tenant chat commands.
	Commands       bool `json:"commands"`
	CommandWorkers int  `json:"command_workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards WARN and above to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver: memory, sqlite, postgres or redis.
//
//	"storage": { "driver": "sqlite", "path": "./kidbot.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	DSN         string      `json:"dsn,omitempty"` // postgres; may come from KIDBOT_STORAGE_DSN
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	AuditKeep int64  `json:"audit_keep,omitempty"`
}

type SchedulerConfig struct {
	Enabled          bool   `json:"enabled"`
	TaskTick         string `json:"task_tick,omitempty"`
	ReminderTick     string `json:"reminder_tick,omitempty"`
	ExecTimeout      string `json:"exec_timeout,omitempty"`
	StopGrace        string `json:"stop_grace,omitempty"`
	ReminderBatch    int    `json:"reminder_batch,omitempty"`
	SweepConcurrency int    `json:"sweep_concurrency,omitempty"`
	PruneEvery       string `json:"prune_every,omitempty"`
}

type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// LimitsConfig holds the per-tenant quotas. Zero selects the default and a negative
// value disables the gate.
type LimitsConfig struct {
	MaxTasks         int    `json:"max_tasks,omitempty"`
	DailyOperations  int    `json:"daily_operations,omitempty"`
	HourlyExecutions int    `json:"hourly_executions,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"` // "0s" keeps the default; "-1s" disables
}

type RetryConfig struct {
	Interval    string `json:"interval,omitempty"`
	MaxDuration string `json:"max_duration,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

type DedupConfig struct {
	Window     string `json:"window,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	Persist    bool   `json:"persist,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// HTTPConfig controls the admin API. A non-loopback addr needs a token unless
// allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // may come from KIDBOT_HTTP_TOKEN
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// ContentConfig locates weekly content in S3. Content checks need Bucket.
type ContentConfig struct {
	Bucket      string `json:"bucket,omitempty"`
	Region      string `json:"region,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	PathStyle   bool   `json:"path_style,omitempty"`
	KeyTemplate string `json:"key_template,omitempty"`
	Prefix      string `json:"prefix,omitempty"`

	// Breaker guards the bucket: 0 failures means the default, negative disables it.
	BreakerFailures    int    `json:"breaker_failures,omitempty"`
	BreakerCooldown    string `json:"breaker_cooldown,omitempty"`
	BreakerMaxCooldown string `json:"breaker_max_cooldown,omitempty"`
}

type AuditConfig struct {
	// Store persists audit events through the storage driver.
	Store bool        `json:"store,omitempty"`
	Kafka KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Enabled      bool     `json:"enabled"`
	Brokers      []string `json:"brokers,omitempty"`
	Topic        string   `json:"topic,omitempty"`
	QueueSize    int      `json:"queue_size,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
}

// TenantConfig links a tenant to its chat and optional managed content check.
type TenantConfig struct {
	ID           string              `json:"id"`
	ChatID       int64               `json:"chat_id"`
	ThreadID     int                 `json:"thread_id,omitempty"`
	ContentCheck *ContentCheckConfig `json:"content_check,omitempty"`
}

type ContentCheckConfig struct {
	Name             string `json:"name,omitempty"` // default "weekly-content"
	Cron             string `json:"cron"`
	Disabled         bool   `json:"disabled,omitempty"`
	RetryInterval    string `json:"retry_interval,omitempty"`
	MaxRetryDuration string `json:"max_retry_duration,omitempty"`
}

// DefaultContentCheckName names the managed task when ContentCheckConfig.Name is empty.
const DefaultContentCheckName = "weekly-content"
