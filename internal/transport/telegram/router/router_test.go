package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kidbot/internal/notify"
	"kidbot/internal/storage"
	kit "kidbot/internal/transport"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	"kidbot/internal/task/retry"
	"kidbot/internal/task/scheduler"
	logx "kidbot/pkg/logx"
)

type sent struct {
	chat int64
	text string
}

type fakeSender struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{to.ChatID, text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return ""
	}
	return f.out[len(f.out)-1].text
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type tenants map[int64]string

func (t tenants) TenantFor(chatID int64) (string, bool) {
	v, ok := t[chatID]
	return v, ok
}

var testNow = time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, limits ratelimit.Limits) (*Manager, *fakeSender, *scheduler.Scheduler) {
	t.Helper()
	mem := storage.NewMemory()
	eval := cronexpr.New(time.UTC)
	lim := ratelimit.New(limits)
	reg := registry.New(eval, lim, mem, logx.Nop())
	reg.Now = func() time.Time { return testNow }
	sched, err := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Eval:      eval,
		Registry:  reg,
		Limiter:   lim,
		Retry:     retry.New(retry.DefaultConfig(), mem, logx.Nop()),
		Reminders: mem,
		Sink:      notify.SinkFunc(func(context.Context, string, string) error { return nil }),
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)

	snd := &fakeSender{}
	m := NewManager(Config{}, snd, tenants{100: "alice", 200: "bob"}, logx.Nop())
	m.SetCommands(TenantCommands(sched, time.UTC, func() time.Time { return testNow }))
	return m, snd, sched
}

// send runs one message synchronously and returns the last reply.
func send(t *testing.T, m *Manager, snd *fakeSender, chat int64, text string) string {
	t.Helper()
	before := snd.count()
	req, h, ok := m.prepare(&kit.Message{ChatID: chat, FromID: 1, Text: text})
	if ok {
		_ = h(context.Background(), req)
	}
	if snd.count() == before {
		return ""
	}
	return snd.last()
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"/tasks", []string{"/tasks"}},
		{`/schedule "piano practice" 0 17 * * 1-5 Don't forget`, []string{"/schedule", "piano practice", "0", "17", "*", "*", "1-5", "Don't", "forget"}},
		{`/remind a\ b ""`, []string{"/remind", "a b", ""}},
		{"   ", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tokenizeCommandLine(tt.in), tt.in)
	}
}

func TestScheduleListPauseCancel(t *testing.T) {
	t.Parallel()
	m, snd, sched := newTestManager(t, ratelimit.Limits{})

	reply := send(t, m, snd, 100, "/schedule homework 0 17 * * 1-5 Time for homework")
	assert.Contains(t, reply, "Scheduled homework")
	assert.Contains(t, reply, "Wed 2025-10-01 17:00")

	tasks := sched.ListTasks("alice")
	require.Len(t, tasks, 1)
	assert.Equal(t, "0 17 * * 1-5", tasks[0].Cron)
	assert.Equal(t, "Time for homework", tasks[0].Description)

	assert.Contains(t, send(t, m, snd, 100, "/tasks"), "homework ["+tasks[0].ID+"] 0 17 * * 1-5")
	assert.Equal(t, "No tasks yet. Add one with /schedule.", send(t, m, snd, 200, "/tasks"))

	assert.Equal(t, "Paused homework.", send(t, m, snd, 100, "/pause homework"))
	assert.Contains(t, send(t, m, snd, 100, "/tasks"), "(paused)")
	assert.Equal(t, "Resumed homework.", send(t, m, snd, 100, "/resume "+tasks[0].ID))

	assert.Equal(t, "No such task. See /tasks.", send(t, m, snd, 200, "/cancel homework"))
	assert.Equal(t, "Deleted homework.", send(t, m, snd, 100, "/rm homework"))
	assert.Empty(t, sched.ListTasks("alice"))
}

func TestScheduleErrors(t *testing.T) {
	t.Parallel()
	m, snd, _ := newTestManager(t, ratelimit.Limits{MaxTasks: 2})

	tests := []struct {
		name string
		text string
		want string
	}{
		{"too few args", "/schedule x 0 17 * *", "Usage: /schedule"},
		{"bad cron", "/schedule x 0 25 * * * hi", "That schedule is not valid"},
		{"ok", "/schedule x 0 17 * * * hi", "Scheduled x"},
		{"duplicate name", "/schedule x 0 18 * * * hi", "already exists"},
		{"second", "/schedule y 0 18 * * * hi", "Scheduled y"},
		{"over quota", "/schedule z 0 18 * * * hi", "You already have 2 tasks"},
	}
	for _, tt := range tests {
		assert.Contains(t, send(t, m, snd, 100, tt.text), tt.want, tt.name)
	}
}

func TestRemind(t *testing.T) {
	t.Parallel()
	m, snd, sched := newTestManager(t, ratelimit.Limits{})

	assert.Contains(t, send(t, m, snd, 100, "/remind 2025-10-02 08:30 pack the gym bag"), "Reminder set for Thu 2025-10-02 08:30")
	assert.Contains(t, send(t, m, snd, 100, "/remind in 90m call grandma"), "Reminder set for Wed 2025-10-01 10:30")
	assert.Contains(t, send(t, m, snd, 100, "/remind 2025-09-30 08:00 late one"), "sending it now")
	assert.Contains(t, send(t, m, snd, 100, "/remind tomorrow noon lunch"), "Usage: /remind")

	rs, err := sched.ListReminders(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, rs, 3)

	list := send(t, m, snd, 100, "/reminders")
	assert.Contains(t, list, "pack the gym bag")
	assert.Equal(t, "No pending reminders.", send(t, m, snd, 200, "/reminders"))

	assert.Equal(t, "No such reminder.", send(t, m, snd, 200, "/forget "+rs[0].ID))
	assert.Equal(t, "Reminder deleted.", send(t, m, snd, 100, "/forget "+rs[0].ID))
}

func TestUnknownAndUnlinkedChats(t *testing.T) {
	t.Parallel()
	m, snd, _ := newTestManager(t, ratelimit.Limits{})

	assert.Equal(t, "Unknown command. Try /help", send(t, m, snd, 100, "/frobnicate"))
	assert.Equal(t, "This chat is not linked to an account.", send(t, m, snd, 999, "/tasks"))
	assert.Contains(t, send(t, m, snd, 999, "/help"), "/schedule - schedule a recurring message")
	assert.Contains(t, send(t, m, snd, 999, "/help@kid_bot remind"), "Usage: /remind")
	assert.Empty(t, send(t, m, snd, 100, "just chatting"))
}

func TestUsage(t *testing.T) {
	t.Parallel()
	m, snd, _ := newTestManager(t, ratelimit.Limits{MaxTasks: 3, DailyOperations: 5})
	send(t, m, snd, 100, "/schedule a 0 17 * * * hi")
	reply := send(t, m, snd, 100, "/quota")
	assert.Contains(t, reply, "Tasks: 1/3")
	assert.Contains(t, reply, "Changes (24h): 1/5")
	assert.Contains(t, reply, "Runs (1h): 0 (no limit)")
}

func TestUserMessageHidesInternalErrors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Something went wrong, please try again later.", userMessage(errors.New("pq: connection refused")))
	assert.Contains(t, userMessage(&ratelimit.QuotaError{Gate: ratelimit.GateDailyOps, Limit: 20, RetryAfter: 2 * time.Hour}), "Try again in 2h0m0s")
}

func TestPanicIsRecoveredAndReported(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	m := NewManager(Config{}, snd, tenants{1: "alice"}, logx.Nop())
	m.SetCommands([]Command{{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaput") }}})
	reply := send(t, m, snd, 1, "/boom")
	assert.Equal(t, "Something went wrong, please try again later.", reply)
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	m, snd, _ := newTestManager(t, ratelimit.Limits{})
	updates := make(chan kit.Update, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 100, Text: "/usage"}}
	require.Eventually(t, func() bool { return strings.HasPrefix(snd.last(), "Tasks:") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, ratelimit.Limits{})
	menu := m.MenuCommands()
	names := make([]string, 0, len(menu))
	for _, c := range menu {
		names = append(names, c.Command)
	}
	assert.Contains(t, names, "schedule")
	assert.Contains(t, names, "help")
	assert.IsIncreasing(t, names)
	assert.Equal(t, "piano_practice", sanitizeCommand("/Piano Practice"))
}

var _ SchedulerPort = (*scheduler.Scheduler)(nil)
