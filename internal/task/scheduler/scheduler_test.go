package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kidbot/internal/audit"
	"kidbot/internal/models"
	"kidbot/internal/storage"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/engine"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	"kidbot/internal/task/retry"
	logx "kidbot/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type delivery struct{ tenant, text string }

type sink struct {
	mu   sync.Mutex
	got  []delivery
	fail atomic.Bool
}

func (s *sink) Deliver(_ context.Context, tenant, text string) error {
	if s.fail.Load() {
		return errors.New("chat unreachable")
	}
	s.mu.Lock()
	s.got = append(s.got, delivery{tenant, text})
	s.mu.Unlock()
	return nil
}

func (s *sink) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.got...)
}

type auditLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditLog) Emit(_ context.Context, e audit.Event) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *auditLog) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	s      *Scheduler
	clock  *clock
	store  *storage.Memory
	reg    *registry.Registry
	retry  *retry.Coordinator
	engine *engine.Service
	sink   *sink
	audit  *auditLog
}

func newHarness(t *testing.T, limits ratelimit.Limits, start time.Time) *harness {
	t.Helper()
	clk := &clock{t: start}
	mem := storage.NewMemory()
	eval := cronexpr.New(time.UTC)
	lim := ratelimit.New(limits)
	reg := registry.New(eval, lim, mem, logx.Nop())
	reg.Now = clk.Now
	rc := retry.New(retry.DefaultConfig(), mem, logx.Nop())
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background(), time.Second) })

	snk := &sink{}
	al := &auditLog{}
	s, err := New(Config{Enabled: true}, Deps{
		Eval:      eval,
		Registry:  reg,
		Limiter:   lim,
		Retry:     rc,
		Engine:    eng,
		Reminders: mem,
		Sink:      snk,
		Audit:     al,
		Log:       logx.Nop(),
		Now:       clk.Now,
	})
	require.NoError(t, err)
	s.Register(models.KindMessage, MessageJob{Sink: snk})
	return &harness{s: s, clock: clk, store: mem, reg: reg, retry: rc, engine: eng, sink: snk, audit: al}
}

// tick advances the clock, runs one scan and waits until every dispatched run committed.
func (h *harness) tick(t *testing.T, at time.Time) int {
	t.Helper()
	h.clock.Set(at)
	before := len(h.engine.Snapshot().History)
	n := h.s.tickTasks(context.Background(), at)
	require.Eventually(t, func() bool {
		return len(h.engine.Snapshot().History) == before+n
	}, 2*time.Second, 2*time.Millisecond)
	return n
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2025, 9, 29, hh, mm, ss, 0, time.UTC)
}

func TestScenarioEveryFiveMinutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(12, 0, 0))
	id, err := h.reg.Create(context.Background(), "alice", "stretch", "*/5 * * * *", "time to stretch")
	require.NoError(t, err)

	assert.Equal(t, 0, h.tick(t, at(12, 4, 59)))
	assert.Equal(t, 1, h.tick(t, at(12, 5, 0)))

	task, ok := h.reg.Get("alice", id)
	require.True(t, ok)
	require.NotNil(t, task.LastRun)
	assert.Equal(t, at(12, 5, 0), *task.LastRun)
	require.NotNil(t, task.NextRun)
	assert.Equal(t, at(12, 10, 0), *task.NextRun)
	assert.Equal(t, models.StatusOK, task.LastStatus)
	assert.Equal(t, []delivery{{"alice", "time to stretch"}}, h.sink.deliveries())

	assert.Equal(t, 0, h.tick(t, at(12, 5, 30)), "an instant fires once")
	assert.Equal(t, 1, h.tick(t, at(12, 10, 5)))
}

func TestInFlightTaskIsNotDispatchedAgain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.Limits{MaxTasks: 10, DailyOperations: 20, HourlyExecutions: 60}, at(12, 0, 0))
	release := make(chan struct{})
	var runs atomic.Int32
	h.s.Register(models.KindMessage, JobFunc(func(ctx context.Context, _ models.Task, _ time.Time) error {
		runs.Add(1)
		<-release
		return nil
	}))
	_, err := h.reg.Create(context.Background(), "alice", "slow", "* * * * *", "")
	require.NoError(t, err)

	assert.Equal(t, 1, h.s.tickTasks(context.Background(), at(12, 1, 0)))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, h.s.tickTasks(context.Background(), at(12, 2, 0)), "previous run still in flight")

	close(release)
	require.Eventually(t, func() bool { return len(h.engine.Snapshot().History) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, h.tick(t, at(12, 3, 0)))
}

func TestRateLimitedRunConsumesInstant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.Limits{MaxTasks: 10, DailyOperations: 20, HourlyExecutions: 1}, at(12, 0, 0))
	ctx := context.Background()
	_, err := h.reg.Create(ctx, "alice", "a", "* * * * *", "first")
	require.NoError(t, err)
	idB, err := h.reg.Create(ctx, "alice", "b", "* * * * *", "second")
	require.NoError(t, err)
	_, err = h.reg.Create(ctx, "bob", "c", "* * * * *", "other tenant")
	require.NoError(t, err)

	assert.Equal(t, 2, h.tick(t, at(12, 1, 0)))

	b, _ := h.reg.Get("alice", idB)
	assert.Equal(t, models.StatusRateLimited, b.LastStatus)
	require.NotNil(t, b.LastRun)
	assert.Equal(t, at(12, 1, 0), *b.LastRun)
	assert.Contains(t, h.audit.types(), audit.TaskRateLimited)
	assert.ElementsMatch(t, []delivery{{"alice", "first"}, {"bob", "other tenant"}}, h.sink.deliveries())

	assert.Equal(t, 0, h.tick(t, at(12, 1, 30)), "rejected instant is not retried within the tick")
}

type flakyFetch struct {
	mu      sync.Mutex
	calls   int
	ok      bool
	periods []string
}

func (f *flakyFetch) Run(ctx context.Context, t models.Task, now time.Time) error {
	return f.RunPeriod(ctx, t, f.Period(t, now))
}

func (f *flakyFetch) RunPeriod(_ context.Context, _ models.Task, period string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.periods = append(f.periods, period)
	if f.ok {
		return nil
	}
	return errors.New("content not published yet")
}

func (f *flakyFetch) Period(_ models.Task, now time.Time) string { return models.WeekPeriod(now) }

func (f *flakyFetch) succeed() {
	f.mu.Lock()
	f.ok = true
	f.mu.Unlock()
}

func (f *flakyFetch) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.periods...)
}

func (f *flakyFetch) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPeriodicFailureBacksOffThenExhausts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.Limits{MaxTasks: 10, DailyOperations: 20, HourlyExecutions: 60}, at(8, 0, 0))
	job := &flakyFetch{}
	h.s.Register(models.KindContentCheck, job)
	task, err := h.reg.CreateTask(context.Background(), "alice", registry.Spec{
		Name: "weekly", Cron: "0 9 * * 1", Kind: models.KindContentCheck,
		RetryInterval: time.Hour, MaxRetryDuration: 2 * time.Hour,
	})
	require.NoError(t, err)

	require.Equal(t, 1, h.tick(t, at(9, 0, 0)))
	cur, _ := h.reg.Get("alice", task.ID)
	assert.Equal(t, models.StatusFailed, cur.LastStatus)
	require.NotNil(t, cur.RetryAt)
	assert.Equal(t, at(10, 0, 0), *cur.RetryAt)

	assert.Equal(t, 0, h.tick(t, at(9, 30, 0)))
	require.Equal(t, 1, h.tick(t, at(10, 0, 0)))
	require.Equal(t, 1, h.tick(t, at(11, 0, 0)))

	cur, _ = h.reg.Get("alice", task.ID)
	assert.Equal(t, models.StatusExhausted, cur.LastStatus)
	assert.Nil(t, cur.RetryAt)
	assert.Equal(t, 3, job.count())
	assert.Equal(t, 1, countType(h.audit.types(), audit.RetryExhausted))
	require.Len(t, h.sink.deliveries(), 1, "one final failure notification")
	assert.Contains(t, h.sink.deliveries()[0].text, "2025-W40")

	assert.Equal(t, 0, h.tick(t, at(12, 0, 0)))
	// Next cron instant falls in the same week only if the schedule allows; force one.
	_, _, err = h.reg.Update(context.Background(), "alice", task.ID, func(x *models.Task) { x.LastRun = nil })
	require.NoError(t, err)
	assert.Equal(t, 0, h.tick(t, at(12, 0, 0)), "closed period is consumed without running")
	cur, _ = h.reg.Get("alice", task.ID)
	assert.Equal(t, models.StatusClosed, cur.LastStatus)
	assert.Equal(t, 3, job.count())
	require.Len(t, h.sink.deliveries(), 1)
}

func TestRetryKeepsPeriodAcrossWeekBoundary(t *testing.T) {
	t.Parallel()
	sun := func(day, hh int) time.Time { return time.Date(2025, 10, day, hh, 0, 0, 0, time.UTC) }
	h := newHarness(t, ratelimit.Limits{MaxTasks: 10, DailyOperations: 20, HourlyExecutions: 60}, sun(5, 22))
	job := &flakyFetch{}
	h.s.Register(models.KindContentCheck, job)
	task, err := h.reg.CreateTask(context.Background(), "alice", registry.Spec{
		Name: "weekly", Cron: "0 23 * * 0", Kind: models.KindContentCheck,
		RetryInterval: time.Hour, MaxRetryDuration: 3 * time.Hour,
	})
	require.NoError(t, err)

	// Sunday 23:00 is the last hour of 2025-W40; the retry lands on Monday of W41.
	require.Equal(t, 1, h.tick(t, sun(5, 23)))
	cur, _ := h.reg.Get("alice", task.ID)
	assert.Equal(t, "2025-W40", cur.RetryPeriod)
	require.Equal(t, 1, h.tick(t, sun(6, 0)))

	w40, ok := h.retry.State("alice", "2025-W40")
	require.True(t, ok)
	assert.Equal(t, 2, w40.Attempts)
	_, ok = h.retry.State("alice", "2025-W41")
	assert.False(t, ok, "a retry must not open the next week's period")

	job.succeed()
	require.Equal(t, 1, h.tick(t, sun(6, 1)))
	assert.Equal(t, []string{"2025-W40", "2025-W40", "2025-W40"}, job.seen())
	assert.True(t, h.retry.Closed("alice", "2025-W40"))

	cur, _ = h.reg.Get("alice", task.ID)
	assert.Nil(t, cur.RetryAt)
	assert.Empty(t, cur.RetryPeriod)
	require.NotNil(t, cur.LastRun)
	assert.Equal(t, sun(5, 23), *cur.LastRun, "retries do not consume cron instants")

	assert.Equal(t, 0, h.tick(t, sun(6, 2)))
	require.Equal(t, 1, h.tick(t, sun(12, 23)))
	assert.Equal(t, "2025-W41", job.seen()[3])
}

func TestFinishedRunIsNotRefiredFromStaleSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.Limits{MaxTasks: 10, DailyOperations: 20, HourlyExecutions: 60}, at(12, 0, 0))
	_, err := h.reg.Create(context.Background(), "alice", "water", "* * * * *", "drink water")
	require.NoError(t, err)

	// The scan copy is taken before the run for 12:01 commits its LastRun.
	stale := h.reg.Snapshot()[0]
	require.Equal(t, 1, h.tick(t, at(12, 1, 0)))
	require.Eventually(t, func() bool { return !h.s.runState(stale).Busy() }, time.Second, 2*time.Millisecond)

	assert.False(t, h.s.tickTask(context.Background(), stale, at(12, 1, 30)))
	assert.Len(t, h.sink.deliveries(), 1)
}

func TestPeriodicSuccessClosesPeriod(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.Limits{MaxTasks: 10, DailyOperations: 20, HourlyExecutions: 60}, at(8, 0, 0))
	job := &flakyFetch{ok: true}
	h.s.Register(models.KindContentCheck, job)
	task, err := h.reg.CreateTask(context.Background(), "alice", registry.Spec{Name: "hourly", Cron: "0 * * * *", Kind: models.KindContentCheck})
	require.NoError(t, err)

	require.Equal(t, 1, h.tick(t, at(9, 0, 0)))
	assert.True(t, h.retry.Closed("alice", "2025-W40"))
	assert.Equal(t, 0, h.tick(t, at(10, 0, 0)))
	assert.Equal(t, 1, job.count())

	cur, _ := h.reg.Get("alice", task.ID)
	assert.Equal(t, models.StatusClosed, cur.LastStatus)
	assert.Equal(t, at(11, 0, 0), *cur.NextRun)
}

func TestNoRetryFailureSkipsCoordinator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(8, 0, 0))
	h.sink.fail.Store(true)
	id, err := h.reg.Create(context.Background(), "alice", "ping", "0 9 * * *", "hello")
	require.NoError(t, err)

	require.Equal(t, 1, h.tick(t, at(9, 0, 0)))
	cur, _ := h.reg.Get("alice", id)
	assert.Equal(t, models.StatusFailed, cur.LastStatus)
	assert.Contains(t, cur.LastError, "chat unreachable")
	assert.Nil(t, cur.RetryAt)
}

func TestMissingJobIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(8, 0, 0))
	_, err := h.reg.CreateTask(context.Background(), "alice", registry.Spec{Name: "check", Cron: "0 9 * * *", Kind: models.KindContentCheck})
	require.NoError(t, err)
	assert.Equal(t, 0, h.tick(t, at(9, 0, 0)))
}

func TestAbandonedRunCommitsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(8, 0, 0))
	started := make(chan struct{})
	h.s.Register(models.KindMessage, JobFunc(func(ctx context.Context, _ models.Task, _ time.Time) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	id, err := h.reg.Create(context.Background(), "alice", "stuck", "0 9 * * *", "")
	require.NoError(t, err)

	require.Equal(t, 1, h.s.tickTasks(context.Background(), at(9, 0, 0)))
	<-started
	h.engine.Stop(context.Background(), 10*time.Millisecond)

	cur, _ := h.reg.Get("alice", id)
	assert.Nil(t, cur.LastRun)
	assert.Empty(t, cur.LastStatus)
}

func TestScenarioMissedReminderSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(12, 0, 0))
	ctx := context.Background()
	require.NoError(t, h.store.AddReminder(ctx, models.Reminder{ID: "rem_past", Tenant: "alice", Text: "feed the cat", DueAt: at(7, 30, 0), Source: models.SourceManual}))
	require.NoError(t, h.store.AddReminder(ctx, models.Reminder{ID: "rem_future", Tenant: "alice", Text: "bedtime", DueAt: at(20, 0, 0), Source: models.SourceManual}))

	require.NoError(t, h.s.Start(ctx))
	t.Cleanup(func() { h.s.Stop(context.Background()) })

	got := h.sink.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].tenant)
	assert.Contains(t, got[0].text, "feed the cat")
	assert.Contains(t, got[0].text, "2025-09-29 07:30")

	pending, err := h.store.ListReminders(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "rem_future", pending[0].ID)
	assert.Contains(t, h.audit.types(), audit.ReminderMissed)

	assert.Equal(t, 0, h.s.reminderPass(ctx, at(12, 0, 10)))
	n, err := h.s.SweepMissed(ctx, at(12, 0, 20))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.sink.deliveries(), 1, "delivered exactly once")
}

func TestSweepLeavesFailedReminderPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(12, 0, 0))
	ctx := context.Background()
	require.NoError(t, h.store.AddReminder(ctx, models.Reminder{ID: "rem_1", Tenant: "alice", Text: "x", DueAt: at(11, 0, 0)}))
	h.sink.fail.Store(true)

	n, err := h.s.SweepMissed(ctx, at(12, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, n)
	pending, _ := h.store.ListReminders(ctx, "alice")
	assert.Len(t, pending, 1)
}

func TestReminderPassDeliversDueInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(12, 0, 0))
	ctx := context.Background()
	r1, err := h.s.AddReminder(ctx, "alice", "first", at(12, 1, 0), "")
	require.NoError(t, err)
	assert.Equal(t, models.SourceManual, r1.Source)
	_, err = h.s.AddReminder(ctx, "bob", "second", at(12, 2, 0), models.SourceAuto)
	require.NoError(t, err)
	_, err = h.s.AddReminder(ctx, "alice", "later", at(13, 0, 0), "")
	require.NoError(t, err)

	h.sink.fail.Store(true)
	require.Equal(t, 2, h.s.reminderPass(ctx, at(12, 5, 0)))
	require.Eventually(t, func() bool { return len(h.engine.Snapshot().History) == 2 }, time.Second, 2*time.Millisecond)
	due, _ := h.store.DueReminders(ctx, at(12, 5, 0), 0)
	assert.Len(t, due, 2, "failed deliveries stay pending")

	h.sink.fail.Store(false)
	require.Equal(t, 2, h.s.reminderPass(ctx, at(12, 5, 10)))
	require.Eventually(t, func() bool { return len(h.sink.deliveries()) == 2 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		due, _ := h.store.DueReminders(ctx, at(12, 5, 10), 0)
		return len(due) == 0
	}, time.Second, 2*time.Millisecond)

	texts := []string{h.sink.deliveries()[0].text, h.sink.deliveries()[1].text}
	assert.ElementsMatch(t, []string{"Reminder: first", "Reminder: second"}, texts)
}

func TestFacade(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.Limits{MaxTasks: 1, DailyOperations: 20}, at(12, 0, 0))
	ctx := context.Background()

	task, err := h.s.CreateTask(ctx, "alice", registry.Spec{Name: "one", Cron: "0 9 * * *"})
	require.NoError(t, err)
	_, err = h.s.CreateTask(ctx, "alice", registry.Spec{Name: "two", Cron: "0 9 * * *"})
	require.ErrorIs(t, err, ratelimit.ErrQuotaExceeded)
	assert.Len(t, h.s.ListTasks("alice"), 1)

	_, err = h.s.Task("bob", task.ID)
	require.ErrorIs(t, err, registry.ErrTaskNotFound)
	got, err := h.s.Task("alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)

	ok, err := h.s.SetTaskEnabled(ctx, "alice", task.ID, false)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.s.CancelTask(ctx, "bob", task.ID)
	require.NoError(t, err)
	assert.False(t, ok, "foreign ids are not found")
	ok, err = h.s.CancelTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{audit.TaskCreated, audit.TaskRateLimited, audit.TaskDisabled, audit.TaskCancelled}, h.audit.types())
	assert.Equal(t, 0, h.s.Usage("alice").ActiveTasks)

	_, err = h.s.AddReminder(ctx, "alice", "  ", at(13, 0, 0), "")
	require.ErrorIs(t, err, ErrInvalidReminder)
	_, err = h.s.AddReminder(ctx, "alice", "x", time.Time{}, "")
	require.ErrorIs(t, err, ErrInvalidReminder)

	r, err := h.s.AddReminder(ctx, "alice", "dentist", at(15, 0, 0), "")
	require.NoError(t, err)
	ok, err = h.s.CancelReminder(ctx, "bob", r.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.s.CancelReminder(ctx, "alice", r.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveTenant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(12, 0, 0))
	ctx := context.Background()
	_, err := h.s.CreateTask(ctx, "alice", registry.Spec{Name: "one", Cron: "0 9 * * *"})
	require.NoError(t, err)
	_, err = h.s.ProvisionContentCheck(ctx, "alice", "weekly", "0 9 * * 1", registry.Spec{})
	require.NoError(t, err)
	_, err = h.s.AddReminder(ctx, "alice", "x", at(13, 0, 0), "")
	require.NoError(t, err)
	_, err = h.s.AddReminder(ctx, "bob", "y", at(13, 0, 0), "")
	require.NoError(t, err)

	n, err := h.s.RemoveTenant(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, h.s.ListTasks("alice"))
	rs, _ := h.s.ListReminders(ctx, "alice")
	assert.Empty(t, rs)
	rs, _ = h.s.ListReminders(ctx, "bob")
	assert.Len(t, rs, 1)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimit.DefaultLimits(), at(12, 0, 0))
	h.s.Apply(Config{Enabled: false})
	require.NoError(t, h.s.Start(context.Background()))
	assert.False(t, h.s.Running())
	assert.False(t, h.s.Snapshot().Enabled)
}

func countType(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}
