// Package audit records scheduler state transitions: task lifecycle changes, rate-limit
// rejections, retry exhaustion and reminder recovery.
//
// Sinks are best-effort. Emit never returns an error and never blocks the scheduler
// for longer than a short write timeout.
package audit

import (
	"context"
	"time"

	"kidbot/internal/eventbus"
	"kidbot/internal/storage"
	logx "kidbot/pkg/logx"
)

// Event types.
const (
	TaskCreated     = "task.created"
	TaskCancelled   = "task.cancelled"
	TaskEnabled     = "task.enabled"
	TaskDisabled    = "task.disabled"
	TaskRateLimited = "task.rate_limited"
	RetryExhausted  = "retry.exhausted"
	ReminderCreated = "reminder.created"
	ReminderMissed  = "reminder.missed"
	TenantRemoved   = "tenant.removed"
)

type Event struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Tenant  string    `json:"tenant,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every sink in order. Nil sinks are skipped.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// BusSink publishes events on the in-process bus as "audit.<type>".
type BusSink struct {
	Bus eventbus.Bus
}

func (b BusSink) Emit(_ context.Context, e Event) {
	if b.Bus == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.Bus.Publish(eventbus.Event{Type: "audit." + e.Type, Time: e.At, Data: e})
}

const storeWriteTimeout = 500 * time.Millisecond

// StoreSink appends events to an AuditStore.
type StoreSink struct {
	store storage.AuditStore
	log   logx.Logger
}

func NewStoreSink(store storage.AuditStore, log logx.Logger) *StoreSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StoreSink{store: store, log: log}
}

func (s *StoreSink) Emit(ctx context.Context, e Event) {
	if s == nil || s.store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	err := s.store.AppendAudit(wctx, storage.AuditEntry{At: e.At, Type: e.Type, Tenant: e.Tenant, Subject: e.Subject, Detail: e.Detail})
	if err != nil {
		s.log.Warn("audit write failed", logx.String("type", e.Type), logx.Tenant(e.Tenant), logx.Err(err))
	}
}
