// Package ratelimit enforces per-tenant scheduling and execution quotas.
//
// Every gate is a sliding window over a per-tenant timestamp log. Logs are pruned
// lazily before each read, so no background sweeper is needed. Tenants never share
// a lock: counters live in a sync.Map keyed by tenant, each with its own mutex.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

const (
	opWindow   = 24 * time.Hour
	execWindow = time.Hour
)

// Gate names the quota that rejected an operation.
type Gate string

const (
	GateTaskCount  Gate = "task_count"
	GateDailyOps   Gate = "daily_operations"
	GateHourlyExec Gate = "hourly_executions"
	GateCooldown   Gate = "cooldown"
)

// Op is the kind of gated action.
type Op int

const (
	// OpSchedule creates a task.
	OpSchedule Op = iota
	// OpModify cancels, pauses or resumes a task.
	OpModify
	// OpExecute runs a task.
	OpExecute
)

// Limits configures the gates. A zero value disables the gate.
type Limits struct {
	MaxTasks         int
	DailyOperations  int
	HourlyExecutions int
	Cooldown         time.Duration
}

// DefaultLimits mirrors the documented defaults.
func DefaultLimits() Limits {
	return Limits{MaxTasks: 10, DailyOperations: 20, HourlyExecutions: 60, Cooldown: time.Minute}
}

// QuotaError reports which gate rejected an operation.
type QuotaError struct {
	Gate       Gate
	Limit      int
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (limit %d, retry in %s)", ErrQuotaExceeded, e.Gate, e.Limit, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: %s (limit %d)", ErrQuotaExceeded, e.Gate, e.Limit)
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// Usage is a point-in-time view of one tenant's counters.
type Usage struct {
	ActiveTasks      int `json:"active_tasks"`
	OperationsToday  int `json:"operations_24h"`
	ExecutionsHour   int `json:"executions_1h"`
	MaxTasks         int `json:"max_tasks"`
	DailyOperations  int `json:"daily_operations"`
	HourlyExecutions int `json:"hourly_executions"`
}

type counters struct {
	mu       sync.Mutex
	active   int
	ops      []time.Time
	execs    []time.Time
	lastExec map[string]time.Time
}

type Limiter struct {
	limits  atomic.Pointer[Limits]
	tenants sync.Map // tenant -> *counters
}

func New(l Limits) *Limiter {
	r := &Limiter{}
	r.Apply(l)
	return r
}

// Apply swaps the limits. Existing counters are kept.
func (r *Limiter) Apply(l Limits) {
	r.limits.Store(&l)
}

func (r *Limiter) Limits() Limits { return *r.limits.Load() }

func (r *Limiter) counters(tenant string) *counters {
	if v, ok := r.tenants.Load(tenant); ok {
		return v.(*counters)
	}
	v, _ := r.tenants.LoadOrStore(tenant, &counters{lastExec: map[string]time.Time{}})
	return v.(*counters)
}

// prune drops log entries older than their window. Caller holds c.mu.
func (c *counters) prune(now time.Time, cooldown time.Duration) {
	c.ops = pruneBefore(c.ops, now.Add(-opWindow))
	c.execs = pruneBefore(c.execs, now.Add(-execWindow))
	keep := cooldown
	if keep < execWindow {
		keep = execWindow
	}
	for name, at := range c.lastExec {
		if now.Sub(at) >= keep {
			delete(c.lastExec, name)
		}
	}
}

func pruneBefore(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// Check evaluates the gates for op without recording anything.
// It returns nil or a *QuotaError.
func (r *Limiter) Check(op Op, tenant, task string, now time.Time) error {
	l := r.Limits()
	c := r.counters(tenant)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now, l.Cooldown)

	switch op {
	case OpSchedule:
		if l.MaxTasks > 0 && c.active >= l.MaxTasks {
			return &QuotaError{Gate: GateTaskCount, Limit: l.MaxTasks}
		}
		return c.checkOps(l, now)
	case OpModify:
		return c.checkOps(l, now)
	case OpExecute:
		if l.Cooldown > 0 {
			if last, ok := c.lastExec[task]; ok && now.Sub(last) < l.Cooldown {
				return &QuotaError{Gate: GateCooldown, Limit: 1, RetryAfter: l.Cooldown - now.Sub(last)}
			}
		}
		if l.HourlyExecutions > 0 && len(c.execs) >= l.HourlyExecutions {
			return &QuotaError{Gate: GateHourlyExec, Limit: l.HourlyExecutions, RetryAfter: c.execs[0].Add(execWindow).Sub(now)}
		}
		return nil
	default:
		return fmt.Errorf("ratelimit: unknown op %d", op)
	}
}

func (c *counters) checkOps(l Limits, now time.Time) error {
	if l.DailyOperations > 0 && len(c.ops) >= l.DailyOperations {
		return &QuotaError{Gate: GateDailyOps, Limit: l.DailyOperations, RetryAfter: c.ops[0].Add(opWindow).Sub(now)}
	}
	return nil
}

// CanSchedule reports whether tenant may create another task.
func (r *Limiter) CanSchedule(tenant string, now time.Time) bool {
	return r.Check(OpSchedule, tenant, "", now) == nil
}

// CanModify reports whether tenant may cancel, pause or resume a task.
func (r *Limiter) CanModify(tenant string, now time.Time) bool {
	return r.Check(OpModify, tenant, "", now) == nil
}

// CanExecute reports whether tenant may run task now.
func (r *Limiter) CanExecute(tenant, task string, now time.Time) bool {
	return r.Check(OpExecute, tenant, task, now) == nil
}

// RecordScheduled counts a created task and the operation that created it.
func (r *Limiter) RecordScheduled(tenant string, now time.Time) {
	c := r.counters(tenant)
	c.mu.Lock()
	c.active++
	c.ops = append(c.ops, now)
	c.mu.Unlock()
}

// RecordModified counts a pause or resume.
func (r *Limiter) RecordModified(tenant string, now time.Time) {
	c := r.counters(tenant)
	c.mu.Lock()
	c.ops = append(c.ops, now)
	c.mu.Unlock()
}

// RecordCancelled counts a cancellation and releases one task slot.
func (r *Limiter) RecordCancelled(tenant string, now time.Time) {
	c := r.counters(tenant)
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.ops = append(c.ops, now)
	c.mu.Unlock()
}

// RecordExecuted counts one run of task.
func (r *Limiter) RecordExecuted(tenant, task string, now time.Time) {
	c := r.counters(tenant)
	c.mu.Lock()
	c.execs = append(c.execs, now)
	if prev, ok := c.lastExec[task]; !ok || now.After(prev) {
		c.lastExec[task] = now
	}
	c.mu.Unlock()
}

// SetActive overwrites the active task count, e.g. after loading tasks from the store.
func (r *Limiter) SetActive(tenant string, n int) {
	if n < 0 {
		n = 0
	}
	c := r.counters(tenant)
	c.mu.Lock()
	c.active = n
	c.mu.Unlock()
}

// Forget drops all counters of tenant.
func (r *Limiter) Forget(tenant string) {
	r.tenants.Delete(tenant)
}

func (r *Limiter) Usage(tenant string, now time.Time) Usage {
	l := r.Limits()
	c := r.counters(tenant)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now, l.Cooldown)
	return Usage{
		ActiveTasks:      c.active,
		OperationsToday:  len(c.ops),
		ExecutionsHour:   len(c.execs),
		MaxTasks:         l.MaxTasks,
		DailyOperations:  l.DailyOperations,
		HourlyExecutions: l.HourlyExecutions,
	}
}
