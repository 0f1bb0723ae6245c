package scheduler

import (
	"context"
	"sync"
	"time"

	"kidbot/internal/audit"
	"kidbot/internal/eventbus"
	"kidbot/internal/models"
	"kidbot/internal/notify"
	rtsup "kidbot/internal/runtime/supervisor"
	"kidbot/internal/storage"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/engine"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	"kidbot/internal/task/retry"
	logx "kidbot/pkg/logx"
)

// Config controls the scheduling loop.
type Config struct {
	Enabled      bool
	TaskTick     time.Duration
	ReminderTick time.Duration
	// ExecTimeout bounds one task body; 0 leaves it to the engine default.
	ExecTimeout time.Duration
	// StopGrace is how long Stop lets running bodies finish before canceling them.
	StopGrace        time.Duration
	ReminderBatch    int
	SweepConcurrency int
	PruneEvery       time.Duration
}

func (c Config) withDefaults() Config {
	if c.TaskTick <= 0 {
		c.TaskTick = 30 * time.Second
	}
	if c.ReminderTick <= 0 {
		c.ReminderTick = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.ReminderBatch <= 0 {
		c.ReminderBatch = 100
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Hour
	}
	return c
}

// Job is the body of a task kind. now is the tick instant the run was dispatched at.
type Job interface {
	Run(ctx context.Context, t models.Task, now time.Time) error
}

type JobFunc func(ctx context.Context, t models.Task, now time.Time) error

func (f JobFunc) Run(ctx context.Context, t models.Task, now time.Time) error { return f(ctx, t, now) }

// Periodic jobs fetch content for a period. Their failures are retried per
// (tenant, period) and a period that succeeded or exhausted is not run again.
// The scheduler calls RunPeriod instead of Run, with the period a retry is pinned to.
type Periodic interface {
	Period(t models.Task, now time.Time) string
	RunPeriod(ctx context.Context, t models.Task, period string) error
}

// Metrics receives scheduler counters. All methods must be safe for concurrent use.
type Metrics interface {
	Executed(tenant string, kind models.Kind, result string)
	RateLimited(gate string)
	RetryAttempt(tenant string)
	RetryExhausted(tenant string)
	ReminderDelivered(missed bool)
	ReminderFailed()
}

type nopMetrics struct{}

func (nopMetrics) Executed(string, models.Kind, string) {}
func (nopMetrics) RateLimited(string)                   {}
func (nopMetrics) RetryAttempt(string)                  {}
func (nopMetrics) RetryExhausted(string)                {}
func (nopMetrics) ReminderDelivered(bool)               {}
func (nopMetrics) ReminderFailed()                      {}

// Deps are the components a Scheduler composes. Registry, Limiter, Retry, Reminders
// and Sink are required; the rest have defaults.
type Deps struct {
	Eval      *cronexpr.Evaluator
	Registry  *registry.Registry
	Limiter   *ratelimit.Limiter
	Retry     *retry.Coordinator
	Engine    *engine.Service
	Reminders storage.ReminderStore
	Sink      notify.Sink
	Audit     audit.Sink
	Metrics   Metrics
	Bus       eventbus.Bus
	Log       logx.Logger

	Now   func() time.Time
	NewID func() string
}

type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	eval      *cronexpr.Evaluator
	reg       *registry.Registry
	limiter   *ratelimit.Limiter
	retry     *retry.Coordinator
	engine    *engine.Service
	reminders storage.ReminderStore
	sink      notify.Sink
	audit     audit.Sink
	metrics   Metrics
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
	newID     func() string

	jobs map[models.Kind]Job

	// states gates overlap per task key.
	states sync.Map // models.Task.Key() -> *engine.RunState

	// claimed holds reminder ids queued or being delivered.
	rmu     sync.Mutex
	claimed map[string]struct{}

	sup       *rtsup.Supervisor
	lastPrune time.Time

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// Stats is a point-in-time view for status surfaces.
type Stats struct {
	Enabled          bool            `json:"enabled"`
	Running          bool            `json:"running"`
	TaskTick         time.Duration   `json:"task_tick"`
	ReminderTick     time.Duration   `json:"reminder_tick"`
	Tenants          int             `json:"tenants"`
	Tasks            int             `json:"tasks"`
	EnabledTasks     int             `json:"enabled_tasks"`
	BackoffTasks     int             `json:"backoff_tasks"`
	ClaimedReminders int             `json:"claimed_reminders"`
	Engine           engine.Snapshot `json:"engine"`
}
