package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"kidbot/internal/models"
)

const memoryAuditKeep = 1000

// Memory is a process-local Store. State is lost on restart.
type Memory struct {
	mu        sync.Mutex
	closed    bool
	tasks     map[string]models.Task // tenant/id
	reminders map[string]models.Reminder
	retries   map[string]models.RetryState // tenant/period
	dedup     map[string]time.Time
	audit     []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		tasks:     map[string]models.Task{},
		reminders: map[string]models.Reminder{},
		retries:   map[string]models.RetryState{},
		dedup:     map[string]time.Time{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListTasks(ctx context.Context) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) PutTask(ctx context.Context, t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k, cur := range m.tasks {
		if cur.Tenant == t.Tenant && cur.Name == t.Name && k != t.Key() {
			return ErrConflict
		}
	}
	m.tasks[t.Key()] = t.Clone()
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, tenant, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.tasks, tenant+"/"+id)
	return nil
}

func (m *Memory) AddReminder(ctx context.Context, r models.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.reminders[r.ID]; ok {
		return ErrConflict
	}
	m.reminders[r.ID] = r
	return nil
}

func (m *Memory) DueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []models.Reminder
	for _, r := range m.reminders {
		if !r.DueAt.After(now) {
			out = append(out, r)
		}
	}
	sortReminders(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListReminders(ctx context.Context, tenant string) ([]models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []models.Reminder
	for _, r := range m.reminders {
		if r.Tenant == tenant {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (m *Memory) CompleteReminder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.reminders, id)
	return nil
}

func (m *Memory) DeleteReminder(ctx context.Context, tenant, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	r, ok := m.reminders[id]
	if !ok || r.Tenant != tenant {
		return false, nil
	}
	delete(m.reminders, id)
	return true, nil
}

func (m *Memory) ListRetries(ctx context.Context) ([]models.RetryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]models.RetryState, 0, len(m.retries))
	for _, s := range m.retries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Period < out[j].Period
	})
	return out, nil
}

func (m *Memory) PutRetry(ctx context.Context, s models.RetryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.retries[s.Tenant+"/"+s.Period] = s
	return nil
}

func (m *Memory) DeleteRetry(ctx context.Context, tenant, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.retries, tenant+"/"+period)
	return nil
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > memoryAuditKeep {
		m.audit = append(m.audit[:0], m.audit[len(m.audit)-memoryAuditKeep:]...)
	}
	return nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func sortReminders(rs []models.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].DueAt.Equal(rs[j].DueAt) {
			return rs[i].DueAt.Before(rs[j].DueAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
