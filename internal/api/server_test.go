package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kidbot/internal/models"
	"kidbot/internal/notify"
	"kidbot/internal/storage"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	"kidbot/internal/task/retry"
	"kidbot/internal/task/scheduler"
	logx "kidbot/pkg/logx"
)

func newTestServer(t *testing.T, limits ratelimit.Limits, token string) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	mem := storage.NewMemory()
	eval := cronexpr.New(time.UTC)
	lim := ratelimit.New(limits)
	reg := registry.New(eval, lim, mem, logx.Nop())
	sched, err := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Eval:      eval,
		Registry:  reg,
		Limiter:   lim,
		Retry:     retry.New(retry.DefaultConfig(), mem, logx.Nop()),
		Reminders: mem,
		Sink:      notify.SinkFunc(func(context.Context, string, string) error { return nil }),
		Log:       logx.Nop(),
	})
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "kidbot_up 1\n") })
	srv := New(Config{}, sched, metrics, logx.Nop())
	ts := httptest.NewServer(srv.Router(token))
	t.Cleanup(ts.Close)
	return ts, sched
}

func do(t *testing.T, method, url, body, token string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, ratelimit.Limits{}, "")
	base := ts.URL + "/tenants/alice/tasks"

	resp, body := do(t, http.MethodPost, base, `{"name":"homework","cron":"0 17 * * 1-5","description":"check homework"}`, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	var created models.Task
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.Equal(t, "homework", created.Name)
	assert.True(t, created.Enabled)

	resp, body = do(t, http.MethodPost, base, `{"name":"homework","cron":"0 18 * * *"}`, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, body)

	resp, _ = do(t, http.MethodPost, base, `{"name":"bad","cron":"61 * * * *"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, base, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Task
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	assert.Len(t, list, 1)

	resp, body = do(t, http.MethodPost, base+"/"+created.ID+"/disable", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `"enabled":false`)

	// Another tenant cannot see or touch the task.
	resp, _ = do(t, http.MethodGet, ts.URL+"/tenants/bob/tasks/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, ts.URL+"/tenants/bob/tasks/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, base+"/"+created.ID, "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, base+"/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuotaMapsTo429(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, ratelimit.Limits{MaxTasks: 1}, "")
	base := ts.URL + "/tenants/alice/tasks"

	resp, _ := do(t, http.MethodPost, base, `{"name":"a","cron":"* * * * *"}`, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := do(t, http.MethodPost, base, `{"name":"b","cron":"* * * * *"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body, "task_count")

	resp, body = do(t, http.MethodGet, ts.URL+"/tenants/alice/usage", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"active_tasks":1`)
}

func TestReminders(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, ratelimit.Limits{}, "")
	base := ts.URL + "/tenants/alice/reminders"
	due := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	resp, body := do(t, http.MethodPost, base, `{"text":"dentist","due_at":"`+due+`"}`, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	var rem models.Reminder
	require.NoError(t, json.Unmarshal([]byte(body), &rem))
	assert.Equal(t, models.SourceManual, rem.Source)

	resp, _ = do(t, http.MethodPost, base, `{"text":"   ","due_at":"`+due+`"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, base, `{"text":"x","when":"soon"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	resp, body = do(t, http.MethodGet, base, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "dentist")

	resp, _ = do(t, http.MethodDelete, ts.URL+"/tenants/bob/reminders/"+rem.ID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, base+"/"+rem.ID, "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRemoveTenant(t *testing.T) {
	t.Parallel()
	ts, sched := newTestServer(t, ratelimit.Limits{}, "")
	_, err := sched.CreateTask(context.Background(), "alice", registry.Spec{Name: "a", Cron: "* * * * *"})
	require.NoError(t, err)

	resp, body := do(t, http.MethodDelete, ts.URL+"/tenants/alice", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.JSONEq(t, `{"tasks_removed":1}`, body)
	assert.Empty(t, sched.ListTasks("alice"))
}

func TestAuthAndTenantValidation(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, ratelimit.Limits{}, "s3cret")

	resp, _ := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"no token", "/tenants/alice/tasks", "", http.StatusUnauthorized},
		{"wrong token", "/tenants/alice/tasks", "nope", http.StatusUnauthorized},
		{"ok", "/tenants/alice/tasks", "s3cret", http.StatusOK},
		{"metrics", "/metrics", "s3cret", http.StatusOK},
		{"status", "/status", "s3cret", http.StatusOK},
		{"bad tenant", "/tenants/bad%20tenant/tasks", "s3cret", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodGet, ts.URL+tt.path, "", tt.token)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	_, sched := newTestServer(t, ratelimit.Limits{}, "")
	srv := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, sched, nil, logx.Nop())
	ctx := context.Background()
	srv.Start(ctx)

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, body := do(t, http.MethodGet, "http://"+srv.Addr()+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "ok")

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	srv.Stop(stopCtx)
	assert.Empty(t, srv.Addr())
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8080"))

	srv := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	err := srv.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	a := Config{Enabled: true, Addr: "127.0.0.1:1"}
	assert.False(t, needsRestart(a, a))
	b := a
	b.Token = "x"
	assert.True(t, needsRestart(a, b))
}
