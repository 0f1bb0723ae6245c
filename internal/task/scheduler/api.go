package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"kidbot/internal/audit"
	"kidbot/internal/models"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	logx "kidbot/pkg/logx"
)

var ErrInvalidReminder = errors.New("invalid reminder")

const maxReminderText = 1000

// CreateTask schedules a task for tenant.
func (s *Scheduler) CreateTask(ctx context.Context, tenant string, spec registry.Spec) (models.Task, error) {
	t, err := s.reg.CreateTask(ctx, tenant, spec)
	if err != nil {
		s.auditQuota(ctx, tenant, spec.Name, err)
		return models.Task{}, err
	}
	s.audit.Emit(ctx, audit.Event{At: s.now(), Type: audit.TaskCreated, Tenant: tenant, Subject: t.ID, Detail: t.Name + " " + t.Cron})
	return t, nil
}

func (s *Scheduler) ListTasks(tenant string) []models.Task { return s.reg.List(tenant) }

// Task returns one of tenant's tasks or registry.ErrTaskNotFound.
func (s *Scheduler) Task(tenant, id string) (models.Task, error) {
	t, ok := s.reg.Get(tenant, id)
	if !ok {
		return models.Task{}, registry.ErrTaskNotFound
	}
	return t, nil
}

// CancelTask removes a task. It reports false for ids tenant does not own.
func (s *Scheduler) CancelTask(ctx context.Context, tenant, id string) (bool, error) {
	ok, err := s.reg.Cancel(ctx, tenant, id)
	if err != nil {
		s.auditQuota(ctx, tenant, id, err)
		return false, err
	}
	if ok {
		s.states.Delete(tenant + "/" + id)
		s.audit.Emit(ctx, audit.Event{At: s.now(), Type: audit.TaskCancelled, Tenant: tenant, Subject: id})
	}
	return ok, nil
}

// SetTaskEnabled pauses or resumes a task. It reports false for ids tenant does not own.
func (s *Scheduler) SetTaskEnabled(ctx context.Context, tenant, id string, enabled bool) (bool, error) {
	ok, err := s.reg.SetEnabled(ctx, tenant, id, enabled)
	if err != nil {
		s.auditQuota(ctx, tenant, id, err)
		return false, err
	}
	if ok {
		typ := audit.TaskDisabled
		if enabled {
			typ = audit.TaskEnabled
		}
		s.audit.Emit(ctx, audit.Event{At: s.now(), Type: typ, Tenant: tenant, Subject: id})
	}
	return ok, nil
}

// ProvisionContentCheck creates or updates the configuration-managed content check
// task of tenant.
func (s *Scheduler) ProvisionContentCheck(ctx context.Context, tenant, name, cron string, p registry.Spec) (models.Task, error) {
	p.Name, p.Cron, p.Kind = name, cron, models.KindContentCheck
	if p.Description == "" {
		p.Description = "weekly content check"
	}
	return s.reg.Ensure(ctx, tenant, p)
}

// AddReminder stores a one-off reminder. A reminder due in the past is delivered on
// the next reminder pass.
func (s *Scheduler) AddReminder(ctx context.Context, tenant, text string, dueAt time.Time, source models.Source) (models.Reminder, error) {
	text = strings.TrimSpace(text)
	switch {
	case !models.ValidTenant(tenant):
		return models.Reminder{}, fmt.Errorf("%w: tenant %q", ErrInvalidReminder, tenant)
	case text == "":
		return models.Reminder{}, fmt.Errorf("%w: empty text", ErrInvalidReminder)
	case utf8.RuneCountInString(text) > maxReminderText:
		return models.Reminder{}, fmt.Errorf("%w: text longer than %d characters", ErrInvalidReminder, maxReminderText)
	case dueAt.IsZero():
		return models.Reminder{}, fmt.Errorf("%w: missing due time", ErrInvalidReminder)
	}
	if source == "" {
		source = models.SourceManual
	}
	now := s.now()
	r := models.Reminder{ID: s.newID(), Tenant: tenant, Text: text, DueAt: dueAt, Source: source, CreatedAt: now}
	if err := s.reminders.AddReminder(ctx, r); err != nil {
		return models.Reminder{}, fmt.Errorf("store reminder: %w", err)
	}
	s.audit.Emit(ctx, audit.Event{At: now, Type: audit.ReminderCreated, Tenant: tenant, Subject: r.ID, Detail: string(source)})
	return r, nil
}

func (s *Scheduler) ListReminders(ctx context.Context, tenant string) ([]models.Reminder, error) {
	return s.reminders.ListReminders(ctx, tenant)
}

// CancelReminder deletes a pending reminder. It reports false for ids tenant does not own.
func (s *Scheduler) CancelReminder(ctx context.Context, tenant, id string) (bool, error) {
	return s.reminders.DeleteReminder(ctx, tenant, id)
}

func (s *Scheduler) Usage(tenant string) ratelimit.Usage {
	return s.limiter.Usage(tenant, s.now())
}

// RemoveTenant deletes every task, retry state and pending reminder of tenant.
func (s *Scheduler) RemoveTenant(ctx context.Context, tenant string) (int, error) {
	n, err := s.reg.RemoveTenant(ctx, tenant)
	s.retry.Forget(ctx, tenant)

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	rs, lerr := s.reminders.ListReminders(ctx, tenant)
	if lerr != nil {
		errs = append(errs, lerr)
	}
	for _, r := range rs {
		if _, derr := s.reminders.DeleteReminder(ctx, tenant, r.ID); derr != nil {
			errs = append(errs, derr)
		}
	}
	s.audit.Emit(ctx, audit.Event{At: s.now(), Type: audit.TenantRemoved, Tenant: tenant, Detail: fmt.Sprintf("tasks=%d reminders=%d", n, len(rs))})
	s.log.Info("tenant removed", logx.Tenant(tenant), logx.Int("tasks", n), logx.Int("reminders", len(rs)))
	return n, errors.Join(errs...)
}

func (s *Scheduler) auditQuota(ctx context.Context, tenant, subject string, err error) {
	var qe *ratelimit.QuotaError
	if !errors.As(err, &qe) {
		return
	}
	s.metrics.RateLimited(string(qe.Gate))
	s.audit.Emit(ctx, audit.Event{At: s.now(), Type: audit.TaskRateLimited, Tenant: tenant, Subject: subject, Detail: string(qe.Gate)})
}
