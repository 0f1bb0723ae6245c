package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kidbot/internal/audit"
	"kidbot/internal/models"
	"kidbot/internal/task/engine"
	logx "kidbot/pkg/logx"
)

// reminderPass hands every due reminder to the engine, oldest first. A reminder
// stays claimed until its delivery attempt ends; a failed attempt leaves it pending
// for the next pass.
func (s *Scheduler) reminderPass(ctx context.Context, now time.Time) int {
	due, err := s.reminders.DueReminders(ctx, now, s.config().ReminderBatch)
	if err != nil {
		s.log.Warn("due reminders query failed", logx.Err(err))
		return 0
	}
	queued := 0
	for _, r := range due {
		if !s.claim(r.ID) {
			continue
		}
		r := r
		err := s.engine.Enqueue(engine.Task{
			Name: "reminder:" + r.ID,
			Run: func(ctx context.Context) error {
				defer s.unclaim(r.ID)
				return s.deliverReminder(ctx, r, false)
			},
		})
		if err != nil {
			s.unclaim(r.ID)
			s.reportEnqueueError("reminder:"+r.ID, err)
			continue
		}
		queued++
	}
	return queued
}

// SweepMissed delivers every reminder already overdue at now. It runs once at
// startup, before the loops, and returns how many reminders were delivered.
// Individual delivery failures leave the reminder pending for the regular pass.
func (s *Scheduler) SweepMissed(ctx context.Context, now time.Time) (int, error) {
	due, err := s.reminders.DueReminders(ctx, now, 0)
	if err != nil {
		return 0, fmt.Errorf("missed reminders: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.config().SweepConcurrency)
	for _, r := range due {
		if !s.claim(r.ID) {
			continue
		}
		r := r
		g.Go(func() error {
			defer s.unclaim(r.ID)
			if err := s.deliverReminder(ctx, r, true); err != nil {
				return nil
			}
			delivered.Add(1)
			s.audit.Emit(ctx, audit.Event{
				At:      now,
				Type:    audit.ReminderMissed,
				Tenant:  r.Tenant,
				Subject: r.ID,
				Detail:  "late by " + now.Sub(r.DueAt).Round(time.Second).String(),
			})
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	s.log.Info("missed reminders swept", logx.Int("due", len(due)), logx.Int("delivered", n))
	return n, nil
}

func (s *Scheduler) deliverReminder(ctx context.Context, r models.Reminder, missed bool) error {
	if err := s.sink.Deliver(ctx, r.Tenant, reminderText(r, missed, s.eval.Location())); err != nil {
		s.metrics.ReminderFailed()
		s.log.Warn("reminder delivery failed", logx.Tenant(r.Tenant), logx.String("reminder", r.ID), logx.Err(err))
		return err
	}
	if err := s.reminders.CompleteReminder(ctx, r.ID); err != nil {
		// Delivered but still pending: the next pass sends it again.
		s.log.Error("delivered reminder not removed", logx.Tenant(r.Tenant), logx.String("reminder", r.ID), logx.Err(err))
		return err
	}
	s.metrics.ReminderDelivered(missed)
	s.log.Debug("reminder delivered", logx.Tenant(r.Tenant), logx.String("reminder", r.ID), logx.Bool("missed", missed))
	return nil
}

func reminderText(r models.Reminder, missed bool, loc *time.Location) string {
	if missed {
		return fmt.Sprintf("Reminder (was due %s): %s", r.DueAt.In(loc).Format("2006-01-02 15:04"), r.Text)
	}
	return "Reminder: " + r.Text
}

func (s *Scheduler) claim(id string) bool {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if _, ok := s.claimed[id]; ok {
		return false
	}
	s.claimed[id] = struct{}{}
	return true
}

func (s *Scheduler) unclaim(id string) {
	s.rmu.Lock()
	delete(s.claimed, id)
	s.rmu.Unlock()
}
