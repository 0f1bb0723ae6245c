package storage

import (
	"context"
	"errors"
	"time"

	"kidbot/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflicting record")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (also used when Driver is empty)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//   - "redis": Redis at Redis.Addr
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// AuditKeep caps the audit list; 0 means 10000.
	AuditKeep int64
}

// AuditEntry is one persisted audit event.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Tenant  string    `json:"tenant,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// TaskStore persists scheduled tasks. Records are unique on (tenant, name).
type TaskStore interface {
	ListTasks(ctx context.Context) ([]models.Task, error)
	PutTask(ctx context.Context, t models.Task) error
	DeleteTask(ctx context.Context, tenant, id string) error
}

// ReminderStore persists pending reminders. Delivered reminders are removed.
type ReminderStore interface {
	AddReminder(ctx context.Context, r models.Reminder) error
	// DueReminders returns up to limit reminders due at or before now, oldest first.
	// A limit <= 0 returns all of them.
	DueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error)
	ListReminders(ctx context.Context, tenant string) ([]models.Reminder, error)
	// CompleteReminder removes a delivered reminder. Missing ids are not an error.
	CompleteReminder(ctx context.Context, id string) error
	// DeleteReminder removes a pending reminder owned by tenant.
	DeleteReminder(ctx context.Context, tenant, id string) (bool, error)
}

// RetryStore persists retry states keyed by (tenant, period).
type RetryStore interface {
	ListRetries(ctx context.Context) ([]models.RetryState, error)
	PutRetry(ctx context.Context, s models.RetryState) error
	DeleteRetry(ctx context.Context, tenant, period string) error
}

// DedupStore keeps duplicate-guard digests across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store is implemented by every driver.
type Store interface {
	TaskStore
	ReminderStore
	RetryStore
	DedupStore
	AuditStore
	Close() error
}
