package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kidbot/internal/models"
	logx "kidbot/pkg/logx"
)

var base = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

func sampleTask(tenant, id, name string) models.Task {
	next := base.Add(5 * time.Minute)
	return models.Task{
		ID:               id,
		Tenant:           tenant,
		Name:             name,
		Kind:             models.KindMessage,
		Cron:             "*/5 * * * *",
		Description:      "drink water",
		Enabled:          true,
		CreatedAt:        base,
		UpdatedAt:        base,
		NextRun:          &next,
		RetryInterval:    time.Hour,
		MaxRetryDuration: 48 * time.Hour,
	}
}

func runStoreSuite(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("tasks", func(t *testing.T) {
		pending := sampleTask("bob", "tsk_2", "b")
		retryAt := base.Add(time.Hour)
		pending.RetryAt = &retryAt
		pending.RetryPeriod = "2025-W40"
		require.NoError(t, st.PutTask(ctx, pending))
		require.NoError(t, st.PutTask(ctx, sampleTask("alice", "tsk_1", "a")))

		updated := sampleTask("alice", "tsk_1", "a")
		last := base.Add(5 * time.Minute)
		updated.LastRun = &last
		updated.LastStatus = models.StatusOK
		updated.Enabled = false
		require.NoError(t, st.PutTask(ctx, updated))

		tasks, err := st.ListTasks(ctx)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "alice", tasks[0].Tenant)
		assert.Equal(t, "bob", tasks[1].Tenant)
		assert.False(t, tasks[0].Enabled)
		require.NotNil(t, tasks[0].LastRun)
		assert.True(t, tasks[0].LastRun.Equal(last))
		assert.Nil(t, tasks[0].RetryAt)
		assert.Equal(t, time.Hour, tasks[0].RetryInterval)
		assert.Equal(t, models.KindMessage, tasks[0].Kind)

		require.NoError(t, st.DeleteTask(ctx, "alice", "tsk_1"))
		tasks, err = st.ListTasks(ctx)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "tsk_2", tasks[0].ID)
		require.NotNil(t, tasks[0].RetryAt)
		assert.True(t, tasks[0].RetryAt.Equal(retryAt))
		assert.Equal(t, "2025-W40", tasks[0].RetryPeriod)
	})

	t.Run("reminders", func(t *testing.T) {
		rs := []models.Reminder{
			{ID: "rem_late", Tenant: "alice", Text: "later", DueAt: base.Add(time.Hour), Source: models.SourceManual, CreatedAt: base},
			{ID: "rem_2", Tenant: "bob", Text: "second", DueAt: base.Add(-time.Minute), Source: models.SourceAuto, CreatedAt: base},
			{ID: "rem_1", Tenant: "alice", Text: "first", DueAt: base.Add(-time.Hour), Source: models.SourceManual, CreatedAt: base},
		}
		for _, r := range rs {
			require.NoError(t, st.AddReminder(ctx, r))
		}

		due, err := st.DueReminders(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "rem_1", due[0].ID)
		assert.Equal(t, "rem_2", due[1].ID)
		assert.Equal(t, models.SourceAuto, due[1].Source)

		all, err := st.DueReminders(ctx, base, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		limited, err := st.DueReminders(ctx, base, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)

		mine, err := st.ListReminders(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, mine, 2)

		ok, err := st.DeleteReminder(ctx, "bob", "rem_late")
		require.NoError(t, err)
		assert.False(t, ok, "foreign reminder must not be deleted")
		ok, err = st.DeleteReminder(ctx, "alice", "rem_late")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, st.CompleteReminder(ctx, "rem_1"))
		require.NoError(t, st.CompleteReminder(ctx, "rem_1"))
		due, err = st.DueReminders(ctx, base.Add(24*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "rem_2", due[0].ID)
	})

	t.Run("retries", func(t *testing.T) {
		s := models.RetryState{
			Tenant: "alice", Period: "2025-W40", Attempts: 1, MaxAttempts: 48,
			FirstAttempt: base, LastAttempt: base, NextAttempt: base.Add(time.Hour),
		}
		require.NoError(t, st.PutRetry(ctx, s))
		s.Attempts = 2
		s.Exhausted = true
		s.NextAttempt = time.Time{}
		require.NoError(t, st.PutRetry(ctx, s))

		got, err := st.ListRetries(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 2, got[0].Attempts)
		assert.True(t, got[0].Exhausted)
		assert.True(t, got[0].NextAttempt.IsZero())
		assert.True(t, got[0].FirstAttempt.Equal(base))

		require.NoError(t, st.DeleteRetry(ctx, "alice", "2025-W40"))
		got, err = st.ListRetries(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("dedup", func(t *testing.T) {
		until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		require.NoError(t, st.PutDedup(ctx, "abc", until))
		got, ok, err := st.GetDedup(ctx, "abc")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Equal(until))

		_, ok, err = st.GetDedup(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("audit", func(t *testing.T) {
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{Type: "task.created", Tenant: "alice", Subject: "tsk_1"}))
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	runStoreSuite(t, st)

	require.ErrorIs(t, st.PutTask(context.Background(), sampleTask("bob", "tsk_other", "b")), ErrConflict)
	require.Len(t, st.Audit(), 1)

	require.NoError(t, st.Close())
	_, err := st.ListTasks(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "kidbot.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	runStoreSuite(t, st)

	// (tenant, name) is unique.
	require.Error(t, st.PutTask(context.Background(), sampleTask("bob", "tsk_other", "b")))
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := newRedisStore(client, RedisConfig{Prefix: "test", AuditKeep: 2}, logx.Nop())
	defer st.Close()
	runStoreSuite(t, st)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{Type: "x"}))
	}
	n, err := client.LLen(ctx, "test:audit").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, mr.Exists("test:tasks"))
}

func TestRedisStoreReportsCorruptRetries(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	var buf bytes.Buffer
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := newRedisStore(client, RedisConfig{Prefix: "test"}, logx.NewWriter(&buf, "warn"))
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.PutRetry(ctx, models.RetryState{Tenant: "alice", Period: "2025-W40", Attempts: 1, FirstAttempt: base}))
	mr.HSet("test:retry", "bob/2025-W40", "{not json")

	states, err := st.ListRetries(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "alice", states[0].Tenant)
	assert.Contains(t, buf.String(), "skipping corrupt retry record")
	assert.Contains(t, buf.String(), "bob/2025-W40")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "cassandra"}, logx.Nop())
	require.Error(t, err)

	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	require.IsType(t, &Memory{}, st)
}

func TestRebindDollar(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a = $1 AND b = $2", rebindDollar("a = ? AND b = ?"))
	assert.Equal(t, "no params", rebindDollar("no params"))
}

func TestPostgresDialect(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLStore(db, dialectPostgres, logx.Nop())
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reminders WHERE tenant = $1 AND id = $2")).
		WithArgs("alice", "rem_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := st.DeleteReminder(ctx, "alice", "rem_1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reminders WHERE tenant = $1 AND id = $2")).
		WithArgs("bob", "rem_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = st.DeleteReminder(ctx, "bob", "rem_1")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO retries(")).
		WithArgs("alice", "2025-W40", 1, 48, base.UnixMilli(), base.UnixMilli(), base.Add(time.Hour).UnixMilli(), 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.PutRetry(ctx, models.RetryState{
		Tenant: "alice", Period: "2025-W40", Attempts: 1, MaxAttempts: 48,
		FirstAttempt: base, LastAttempt: base, NextAttempt: base.Add(time.Hour),
	}))

	rows := sqlmock.NewRows([]string{"id", "tenant", "text", "due_at", "source", "created_at"}).
		AddRow("rem_9", "alice", "homework", base.UnixMilli(), "manual", base.UnixMilli())
	mock.ExpectQuery(regexp.QuoteMeta("FROM reminders WHERE due_at <= $1 ORDER BY due_at, id LIMIT $2")).
		WithArgs(base.UnixMilli(), 100).
		WillReturnRows(rows)
	due, err := st.DueReminders(ctx, base, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].DueAt.Equal(base))

	mock.ExpectQuery(regexp.QuoteMeta("FROM reminders WHERE due_at <= $1 ORDER BY due_at, id")).
		WithArgs(base.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant", "text", "due_at", "source", "created_at"}))
	due, err = st.DueReminders(ctx, base, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT until FROM dedup WHERE key = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"until"}))
	_, found, err := st.GetDedup(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}
