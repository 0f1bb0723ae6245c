// Package retry bounds repeated attempts to obtain content for a (tenant, period).
package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"kidbot/internal/models"
	"kidbot/internal/storage"
	logx "kidbot/pkg/logx"
)

var (
	// ErrRetryExhausted is returned once, by the call that exhausts a state.
	ErrRetryExhausted = errors.New("retry exhausted")
	// ErrRetryClosed is returned for calls against a state that already succeeded or exhausted.
	ErrRetryClosed = errors.New("retry period closed")
)

type Config struct {
	Interval    time.Duration
	MaxDuration time.Duration
	// MaxAttempts caps the attempt count; 0 derives it as MaxDuration/Interval.
	MaxAttempts int
	// Retention drops states idle for longer than this.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: time.Hour, MaxDuration: 48 * time.Hour, Retention: 14 * 24 * time.Hour}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// Policy overrides the configured interval and ceiling for one task. Zero fields fall back.
type Policy struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

func (c Config) resolve(p Policy) (interval, maxDur time.Duration, maxAttempts int) {
	interval, maxDur = c.Interval, c.MaxDuration
	if p.Interval > 0 {
		interval = p.Interval
	}
	if p.MaxDuration > 0 {
		maxDur = p.MaxDuration
	}
	maxAttempts = c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(maxDur / interval)
		if maxAttempts < 1 {
			maxAttempts = 1
		}
	}
	return interval, maxDur, maxAttempts
}

type bucket struct {
	mu     sync.Mutex
	states map[string]models.RetryState // period -> state
}

// Coordinator owns every RetryState. Each tenant has its own lock.
type Coordinator struct {
	cfg     atomic.Pointer[Config]
	store   storage.RetryStore
	log     logx.Logger
	tenants sync.Map // tenant -> *bucket
}

func New(cfg Config, store storage.RetryStore, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{store: store, log: log}
	c.Apply(cfg)
	return c
}

// Apply swaps the configuration. Existing states keep their recorded MaxAttempts.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.normalize()
	c.cfg.Store(&cfg)
}

func (c *Coordinator) Config() Config { return *c.cfg.Load() }

// Interval returns the wait between attempts under p.
func (c *Coordinator) Interval(p Policy) time.Duration {
	interval, _, _ := c.Config().resolve(p)
	return interval
}

func (c *Coordinator) bucket(tenant string) *bucket {
	if v, ok := c.tenants.Load(tenant); ok {
		return v.(*bucket)
	}
	v, _ := c.tenants.LoadOrStore(tenant, &bucket{states: map[string]models.RetryState{}})
	return v.(*bucket)
}

// Load restores persisted states.
func (c *Coordinator) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	states, err := c.store.ListRetries(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		b := c.bucket(s.Tenant)
		b.mu.Lock()
		b.states[s.Period] = s
		b.mu.Unlock()
	}
	c.log.Debug("retry states loaded", logx.Int("count", len(states)))
	return nil
}

// IncrementAttempt records one failed attempt for (tenant, period) and returns the new state.
//
// The first call creates the state with one attempt. Later calls add an attempt and
// reschedule, until the ceiling is crossed: then the state turns exhausted and
// ErrRetryExhausted is returned. Calls on a terminal state return ErrRetryClosed.
func (c *Coordinator) IncrementAttempt(ctx context.Context, tenant, period string, p Policy, now time.Time) (models.RetryState, error) {
	interval, maxDur, maxAttempts := c.Config().resolve(p)

	b := c.bucket(tenant)
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[period]
	switch {
	case !ok:
		s = models.RetryState{
			Tenant:       tenant,
			Period:       period,
			Attempts:     1,
			MaxAttempts:  maxAttempts,
			FirstAttempt: now,
			LastAttempt:  now,
			NextAttempt:  now.Add(interval),
		}
	case s.Terminal():
		return s, ErrRetryClosed
	case now.Sub(s.FirstAttempt) > maxDur || s.Attempts >= s.MaxAttempts:
		s.LastAttempt = now
		s.NextAttempt = time.Time{}
		s.Exhausted = true
		b.states[period] = s
		c.persist(ctx, s)
		c.log.Warn("retry exhausted",
			logx.Tenant(tenant), logx.String("period", period),
			logx.Int("attempts", s.Attempts), logx.Duration("elapsed", now.Sub(s.FirstAttempt)))
		return s, ErrRetryExhausted
	default:
		s.Attempts++
		s.LastAttempt = now
		s.NextAttempt = now.Add(interval)
	}
	b.states[period] = s
	c.persist(ctx, s)
	return s, nil
}

// MarkSuccess closes (tenant, period) as succeeded. A marker is kept even when no
// attempt failed, so the period is not fetched again.
func (c *Coordinator) MarkSuccess(ctx context.Context, tenant, period string, now time.Time) {
	b := c.bucket(tenant)
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[period]
	if !ok {
		s = models.RetryState{Tenant: tenant, Period: period, FirstAttempt: now}
	}
	if s.Succeeded {
		return
	}
	s.Succeeded = true
	s.LastAttempt = now
	s.NextAttempt = time.Time{}
	b.states[period] = s
	c.persist(ctx, s)
}

// Reset drops the state so the period may be attempted again.
func (c *Coordinator) Reset(ctx context.Context, tenant, period string) {
	b := c.bucket(tenant)
	b.mu.Lock()
	_, ok := b.states[period]
	delete(b.states, period)
	b.mu.Unlock()
	if ok && c.store != nil {
		if err := c.store.DeleteRetry(ctx, tenant, period); err != nil {
			c.log.Warn("retry delete failed", logx.Tenant(tenant), logx.String("period", period), logx.Err(err))
		}
	}
}

func (c *Coordinator) State(tenant, period string) (models.RetryState, bool) {
	b := c.bucket(tenant)
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[period]
	return s, ok
}

// Closed reports whether (tenant, period) reached a terminal state.
func (c *Coordinator) Closed(tenant, period string) bool {
	s, ok := c.State(tenant, period)
	return ok && s.Terminal()
}

// Prune drops states whose last activity is older than the retention window and
// returns how many were removed.
func (c *Coordinator) Prune(ctx context.Context, now time.Time) int {
	retention := c.Config().Retention
	type key struct{ tenant, period string }
	var dropped []key

	c.tenants.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		for period, s := range b.states {
			last := s.LastAttempt
			if last.IsZero() {
				last = s.FirstAttempt
			}
			if now.Sub(last) > retention {
				delete(b.states, period)
				dropped = append(dropped, key{k.(string), period})
			}
		}
		b.mu.Unlock()
		return true
	})

	if c.store != nil {
		for _, d := range dropped {
			if err := c.store.DeleteRetry(ctx, d.tenant, d.period); err != nil {
				c.log.Warn("retry prune delete failed", logx.Tenant(d.tenant), logx.String("period", d.period), logx.Err(err))
			}
		}
	}
	return len(dropped)
}

// Forget removes every state of tenant.
func (c *Coordinator) Forget(ctx context.Context, tenant string) {
	v, ok := c.tenants.LoadAndDelete(tenant)
	if !ok {
		return
	}
	b := v.(*bucket)
	b.mu.Lock()
	periods := make([]string, 0, len(b.states))
	for p := range b.states {
		periods = append(periods, p)
	}
	b.mu.Unlock()
	if c.store == nil {
		return
	}
	for _, p := range periods {
		if err := c.store.DeleteRetry(ctx, tenant, p); err != nil {
			c.log.Warn("retry delete failed", logx.Tenant(tenant), logx.String("period", p), logx.Err(err))
		}
	}
}

// persist writes s through to the store. Caller holds the tenant lock.
func (c *Coordinator) persist(ctx context.Context, s models.RetryState) {
	if c.store == nil {
		return
	}
	if err := c.store.PutRetry(ctx, s); err != nil {
		c.log.Warn("retry persist failed", logx.Tenant(s.Tenant), logx.String("period", s.Period), logx.Err(err))
	}
}
