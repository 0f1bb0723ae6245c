// Package models holds the records shared by the scheduler, its stores and its surfaces.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the job that runs when a task fires.
type Kind string

const (
	// KindMessage delivers the task description to the tenant.
	KindMessage Kind = "message"
	// KindContentCheck fetches the current period's content and delivers it once.
	KindContentCheck Kind = "content_check"
)

func (k Kind) Valid() bool { return k == KindMessage || k == KindContentCheck }

// Run status values stored in Task.LastStatus.
const (
	StatusOK          = "ok"
	StatusFailed      = "failed"
	StatusRateLimited = "rate_limited"
	StatusClosed      = "closed"
	StatusExhausted   = "exhausted"
)

// Task is a tenant-owned scheduled task.
//
// NextRun is always the earliest cron instant strictly after LastRun, or after CreatedAt
// when the task never ran. RetryAt is set while a failed periodic run waits for its next attempt;
// RetryPeriod names the period that attempt belongs to.
type Task struct {
	ID          string `json:"id"`
	Tenant      string `json:"tenant"`
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Cron        string `json:"cron"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	System      bool   `json:"system,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`

	RetryInterval    time.Duration `json:"retry_interval,omitempty"`
	MaxRetryDuration time.Duration `json:"max_retry_duration,omitempty"`
	RetryAt          *time.Time    `json:"retry_at,omitempty"`
	RetryPeriod      string        `json:"retry_period,omitempty"`

	LastStatus string `json:"last_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// Base returns the instant the next cron fire is computed from.
func (t Task) Base() time.Time {
	if t.LastRun != nil {
		return *t.LastRun
	}
	return t.CreatedAt
}

// Key identifies a task inside the process.
func (t Task) Key() string { return t.Tenant + "/" + t.ID }

// Clone returns a copy that shares no pointers with t.
func (t Task) Clone() Task {
	t.LastRun = cloneTime(t.LastRun)
	t.NextRun = cloneTime(t.NextRun)
	t.RetryAt = cloneTime(t.RetryAt)
	return t
}

// Source tags where a reminder came from.
type Source string

const (
	SourceManual Source = "manual"
	SourceAuto   Source = "auto"
)

// Reminder is a one-off pending message. Delivered reminders are removed from the store.
type Reminder struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Text      string    `json:"text"`
	DueAt     time.Time `json:"due_at"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// RetryState tracks fetch attempts for one (tenant, period).
type RetryState struct {
	Tenant       string    `json:"tenant"`
	Period       string    `json:"period"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	FirstAttempt time.Time `json:"first_attempt"`
	LastAttempt  time.Time `json:"last_attempt"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
	Succeeded    bool      `json:"succeeded"`
	Exhausted    bool      `json:"exhausted"`
}

// Terminal reports whether no further attempts will be scheduled.
func (s RetryState) Terminal() bool { return s.Succeeded || s.Exhausted }

// WeekPeriod returns the ISO week identifier of t, e.g. "2025-W40".
func WeekPeriod(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// ValidTenant reports whether id can be used as a tenant key.
func ValidTenant(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.ContainsAny(id, "/ \t\n")
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
