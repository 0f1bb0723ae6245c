package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"kidbot/internal/models"
	logx "kidbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// sqlStore serves both SQL dialects from one schema. Times are unix milliseconds and
// booleans are integers so the same statements run unchanged on either engine.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, dialect: d, log: log, pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rewrites ? placeholders for the active dialect.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const taskColumns = `id, tenant, name, kind, cron, description, enabled, is_system, created_at, updated_at,
	last_run, next_run, retry_interval_ms, max_retry_ms, retry_at, retry_period, last_status, last_error`

func (s *sqlStore) ListTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY tenant, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var (
			t                           models.Task
			kind                        string
			enabled, system             int64
			created, updated            int64
			lastRun, nextRun, retryAt   sql.NullInt64
			retryIntervalMS, maxRetryMS int64
		)
		if err := rows.Scan(&t.ID, &t.Tenant, &t.Name, &kind, &t.Cron, &t.Description, &enabled, &system,
			&created, &updated, &lastRun, &nextRun, &retryIntervalMS, &maxRetryMS, &retryAt,
			&t.RetryPeriod, &t.LastStatus, &t.LastError); err != nil {
			return nil, err
		}
		t.Kind = models.Kind(kind)
		t.Enabled = enabled != 0
		t.System = system != 0
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updated)
		t.LastRun = fromNullMillis(lastRun)
		t.NextRun = fromNullMillis(nextRun)
		t.RetryAt = fromNullMillis(retryAt)
		t.RetryInterval = time.Duration(retryIntervalMS) * time.Millisecond
		t.MaxRetryDuration = time.Duration(maxRetryMS) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutTask(ctx context.Context, t models.Task) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO tasks(`+taskColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, kind=excluded.kind, cron=excluded.cron, description=excluded.description,
			enabled=excluded.enabled, is_system=excluded.is_system, updated_at=excluded.updated_at,
			last_run=excluded.last_run, next_run=excluded.next_run,
			retry_interval_ms=excluded.retry_interval_ms, max_retry_ms=excluded.max_retry_ms,
			retry_at=excluded.retry_at, retry_period=excluded.retry_period, last_status=excluded.last_status, last_error=excluded.last_error`),
		t.ID, t.Tenant, t.Name, string(t.Kind), t.Cron, t.Description, boolInt(t.Enabled), boolInt(t.System),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(), nullMillis(t.LastRun), nullMillis(t.NextRun),
		t.RetryInterval.Milliseconds(), t.MaxRetryDuration.Milliseconds(), nullMillis(t.RetryAt),
		t.RetryPeriod, t.LastStatus, t.LastError,
	)
	return err
}

func (s *sqlStore) DeleteTask(ctx context.Context, tenant, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE tenant = ? AND id = ?`), tenant, id)
	return err
}

const reminderColumns = `id, tenant, text, due_at, source, created_at`

func (s *sqlStore) AddReminder(ctx context.Context, r models.Reminder) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO reminders(`+reminderColumns+`) VALUES(?,?,?,?,?,?)`),
		r.ID, r.Tenant, r.Text, r.DueAt.UnixMilli(), string(r.Source), r.CreatedAt.UnixMilli())
	return err
}

func (s *sqlStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE due_at <= ? ORDER BY due_at, id`
	args := []any{now.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

func (s *sqlStore) ListReminders(ctx context.Context, tenant string) ([]models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+reminderColumns+` FROM reminders WHERE tenant = ? ORDER BY due_at, id`), tenant)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

func scanReminders(rows *sql.Rows) ([]models.Reminder, error) {
	defer rows.Close()
	var out []models.Reminder
	for rows.Next() {
		var (
			r            models.Reminder
			source       string
			due, created int64
		)
		if err := rows.Scan(&r.ID, &r.Tenant, &r.Text, &due, &source, &created); err != nil {
			return nil, err
		}
		r.DueAt = fromMillis(due)
		r.CreatedAt = fromMillis(created)
		r.Source = models.Source(source)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) CompleteReminder(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM reminders WHERE id = ?`), id)
	return err
}

func (s *sqlStore) DeleteReminder(ctx context.Context, tenant, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM reminders WHERE tenant = ? AND id = ?`), tenant, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ListRetries(ctx context.Context) ([]models.RetryState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant, period, attempts, max_attempts, first_attempt, last_attempt,
		next_attempt, succeeded, exhausted FROM retries ORDER BY tenant, period`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RetryState
	for rows.Next() {
		var (
			st                   models.RetryState
			first, last, next    int64
			succeeded, exhausted int64
		)
		if err := rows.Scan(&st.Tenant, &st.Period, &st.Attempts, &st.MaxAttempts, &first, &last, &next,
			&succeeded, &exhausted); err != nil {
			return nil, err
		}
		st.FirstAttempt = fromMillis(first)
		st.LastAttempt = fromMillis(last)
		st.NextAttempt = fromMillis(next)
		st.Succeeded = succeeded != 0
		st.Exhausted = exhausted != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutRetry(ctx context.Context, st models.RetryState) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO retries(tenant, period, attempts, max_attempts, first_attempt,
		last_attempt, next_attempt, succeeded, exhausted) VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(tenant, period) DO UPDATE SET
			attempts=excluded.attempts, max_attempts=excluded.max_attempts, first_attempt=excluded.first_attempt,
			last_attempt=excluded.last_attempt, next_attempt=excluded.next_attempt,
			succeeded=excluded.succeeded, exhausted=excluded.exhausted`),
		st.Tenant, st.Period, st.Attempts, st.MaxAttempts, st.FirstAttempt.UnixMilli(), st.LastAttempt.UnixMilli(),
		toMillis(st.NextAttempt), boolInt(st.Succeeded), boolInt(st.Exhausted),
	)
	return err
}

func (s *sqlStore) DeleteRetry(ctx context.Context, tenant, period string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM retries WHERE tenant = ? AND period = ?`), tenant, period)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMillis(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until < ?`), time.Now().UnixMilli())
	return err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit(at, type, tenant, subject, detail) VALUES(?,?,?,?,?)`),
		e.At.UnixMilli(), e.Type, e.Tenant, e.Subject, e.Detail)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
