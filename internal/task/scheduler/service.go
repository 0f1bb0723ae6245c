package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kidbot/internal/audit"
	"kidbot/internal/models"
	rtsup "kidbot/internal/runtime/supervisor"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/engine"
	logx "kidbot/pkg/logx"
)

func New(cfg Config, d Deps) (*Scheduler, error) {
	switch {
	case d.Registry == nil:
		return nil, errors.New("scheduler: registry is required")
	case d.Limiter == nil:
		return nil, errors.New("scheduler: limiter is required")
	case d.Retry == nil:
		return nil, errors.New("scheduler: retry coordinator is required")
	case d.Reminders == nil:
		return nil, errors.New("scheduler: reminder store is required")
	case d.Sink == nil:
		return nil, errors.New("scheduler: notification sink is required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Eval == nil {
		d.Eval = cronexpr.New(time.Local)
	}
	if d.Engine == nil {
		d.Engine = engine.New(engine.Config{Enabled: true}, d.Log.With(logx.String("comp", "engine")), d.Bus)
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = newReminderID
	}
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		eval:        d.Eval,
		reg:         d.Registry,
		limiter:     d.Limiter,
		retry:       d.Retry,
		engine:      d.Engine,
		reminders:   d.Reminders,
		sink:        d.Sink,
		audit:       d.Audit,
		metrics:     d.Metrics,
		bus:         d.Bus,
		log:         d.Log,
		now:         d.Now,
		newID:       d.NewID,
		jobs:        map[models.Kind]Job{},
		claimed:     map[string]struct{}{},
		lastEnqWarn: map[string]time.Time{},
	}, nil
}

func newReminderID() string {
	return "rem_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Register binds the job run for tasks of kind. A later call replaces the job.
func (s *Scheduler) Register(kind models.Kind, job Job) {
	s.mu.Lock()
	s.jobs[kind] = job
	s.mu.Unlock()
}

func (s *Scheduler) job(kind models.Kind) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[kind]
	return j, ok
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the loop settings. Tick changes take effect after the current wait.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if old.Enabled != cfg.Enabled {
		s.log.Warn("scheduler enable flag changed; restart required", logx.Bool("enabled", cfg.Enabled))
	}
}

// Start restores persisted state, delivers reminders missed while the process was
// down, and starts the task and reminder loops. Store failures while loading are
// returned; nothing is started in that case.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg := s.config()
	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	if err := s.reg.Load(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	if err := s.retry.Load(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	s.engine.Start(ctx)

	n, err := s.SweepMissed(ctx, s.now())
	if err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.mu.Lock()
	s.sup = sup
	s.lastPrune = s.now()
	s.mu.Unlock()

	sup.GoRestart("scheduler.tasks", func(c context.Context) error {
		return s.loop(c, "tasks", func(cfg Config) time.Duration { return cfg.TaskTick }, s.onTaskTick)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	sup.GoRestart("scheduler.reminders", func(c context.Context) error {
		return s.loop(c, "reminders", func(cfg Config) time.Duration { return cfg.ReminderTick }, func(c context.Context, now time.Time) {
			s.reminderPass(c, now)
		})
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	s.log.Info("scheduler started",
		logx.Duration("task_tick", cfg.TaskTick),
		logx.Duration("reminder_tick", cfg.ReminderTick),
		logx.Int("missed_reminders", n))
	return nil
}

// Stop ends both loops, then stops the engine: running bodies get StopGrace to finish
// before their context is canceled. Runs abandoned this way commit nothing.
func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	grace := s.cfg.StopGrace
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler loops did not stop in time", logx.Err(err))
	}
	s.engine.Stop(ctx, grace)

	s.rmu.Lock()
	s.claimed = map[string]struct{}{}
	s.rmu.Unlock()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Scheduler) loop(ctx context.Context, name string, tick func(Config) time.Duration, fn func(context.Context, time.Time)) error {
	delay := startupSpread(tick(s.config()), name)
	t := time.NewTimer(delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		fn(ctx, s.now())
		t.Reset(tick(s.config()))
	}
}

func (s *Scheduler) onTaskTick(ctx context.Context, now time.Time) {
	s.tickTasks(ctx, now)

	s.mu.Lock()
	due := now.Sub(s.lastPrune) >= s.cfg.PruneEvery
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if due {
		if n := s.retry.Prune(ctx, now); n > 0 {
			s.log.Debug("retry states pruned", logx.Int("count", n))
		}
	}
}
