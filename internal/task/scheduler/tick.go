package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kidbot/internal/audit"
	"kidbot/internal/models"
	"kidbot/internal/task/engine"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/retry"
	logx "kidbot/pkg/logx"
)

// tickTasks scans every enabled task once and dispatches the due ones. It returns
// the number of runs handed to the engine. The scan itself does no I/O beyond
// committing skipped instants to the registry.
func (s *Scheduler) tickTasks(ctx context.Context, now time.Time) int {
	tasks := s.reg.Snapshot()
	seen := make(map[string]struct{}, len(tasks))
	dispatched := 0

	for _, t := range tasks {
		seen[t.Key()] = struct{}{}
		if s.tickTask(ctx, t, now) {
			dispatched++
		}
	}

	s.states.Range(func(k, v any) bool {
		if _, ok := seen[k.(string)]; !ok && !v.(*engine.RunState).Busy() {
			s.states.Delete(k)
		}
		return true
	})
	return dispatched
}

// tickTask evaluates one task from the scan snapshot. The snapshot copy may predate a
// run that finished during the scan, so the task is read again once no run holds it.
func (s *Scheduler) tickTask(ctx context.Context, snap models.Task, now time.Time) bool {
	if !snap.Enabled {
		return false
	}
	st := s.runState(snap)
	if st.Busy() {
		return false
	}
	t, ok := s.reg.Get(snap.Tenant, snap.ID)
	if !ok || !s.due(t, now) {
		return false
	}
	job, ok := s.job(t.Kind)
	if !ok {
		s.reportEnqueueError(t.Key(), fmt.Errorf("no job registered for kind %q", t.Kind))
		return false
	}

	r := run{firedAt: now, retrying: retryPending(t)}
	if p, ok := job.(Periodic); ok {
		r.period = p.Period(t, now)
		if r.retrying {
			r.period = t.RetryPeriod
		}
		if s.retry.Closed(t.Tenant, r.period) {
			s.commit(ctx, t, r.outcome(models.StatusClosed, "", nil))
			return false
		}
	}

	if err := s.limiter.Check(ratelimit.OpExecute, t.Tenant, t.Name, now); err != nil {
		s.rateLimited(ctx, t, r, err)
		return false
	}
	return s.dispatch(t, job, r, st)
}

// run describes one dispatch decision.
type run struct {
	firedAt time.Time
	// period is set for periodic jobs. A retry keeps the period that failed.
	period string
	// retrying runs were started by a pending retry, not by a cron instant.
	retrying bool
}

// outcome builds the commit for r. Only cron-triggered runs consume their instant;
// a retry leaves LastRun alone so an instant that came due meanwhile still fires.
func (r run) outcome(status, lastErr string, retryAt *time.Time) outcome {
	o := outcome{at: r.firedAt, status: status, lastErr: lastErr, retryAt: retryAt}
	if !r.retrying {
		o.lastRun = models.TimePtr(r.firedAt)
	}
	if retryAt != nil {
		o.retryPeriod = r.period
	}
	return o
}

type outcome struct {
	at          time.Time
	lastRun     *time.Time
	status      string
	lastErr     string
	retryAt     *time.Time
	retryPeriod string
}

// retryPending reports whether t waits on a retry of a known period. Such a task is
// only due once its RetryAt passes; its cron schedule resumes after the retry settles.
func retryPending(t models.Task) bool {
	return t.RetryAt != nil && t.RetryPeriod != ""
}

// due reports whether t fires at now, either on its cron schedule or because its
// retry backoff has elapsed.
func (s *Scheduler) due(t models.Task, now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.RetryAt != nil && !now.Before(*t.RetryAt) {
		return true
	}
	if retryPending(t) {
		return false
	}
	return s.eval.ShouldRun(t, now)
}

func (s *Scheduler) runState(t models.Task) *engine.RunState {
	if v, ok := s.states.Load(t.Key()); ok {
		return v.(*engine.RunState)
	}
	v, _ := s.states.LoadOrStore(t.Key(), &engine.RunState{})
	return v.(*engine.RunState)
}

// rateLimited consumes the instant without running. A task waiting on a retry keeps
// its backoff, pushed one interval forward.
func (s *Scheduler) rateLimited(ctx context.Context, t models.Task, r run, err error) {
	var retryAt *time.Time
	if t.RetryAt != nil {
		retryAt = models.TimePtr(r.firedAt.Add(s.retry.Interval(policy(t))))
	}
	s.commit(ctx, t, r.outcome(models.StatusRateLimited, err.Error(), retryAt))

	gate := ""
	var qe *ratelimit.QuotaError
	if errors.As(err, &qe) {
		gate = string(qe.Gate)
	}
	s.metrics.RateLimited(gate)
	s.metrics.Executed(t.Tenant, t.Kind, models.StatusRateLimited)
	s.audit.Emit(ctx, audit.Event{At: r.firedAt, Type: audit.TaskRateLimited, Tenant: t.Tenant, Subject: t.Name, Detail: gate})
	s.log.Info("task run rate limited", logx.Tenant(t.Tenant), logx.String("task", t.Name), logx.String("gate", gate))
}

func (s *Scheduler) dispatch(t models.Task, job Job, r run, st *engine.RunState) bool {
	err := s.engine.Enqueue(engine.Task{
		Name:    "task:" + t.Key(),
		Timeout: s.config().ExecTimeout,
		State:   st,
		Run: func(ctx context.Context) error {
			return s.execute(ctx, t, job, r)
		},
	})
	if err != nil {
		s.reportEnqueueError(t.Key(), err)
		return false
	}
	s.limiter.RecordExecuted(t.Tenant, t.Name, r.firedAt)
	return true
}

// execute runs one body and commits its outcome. A cron-triggered run records its
// firing tick as LastRun, so the next cron instant is computed from that tick.
func (s *Scheduler) execute(ctx context.Context, t models.Task, job Job, r run) error {
	var err error
	if p, ok := job.(Periodic); ok && r.period != "" {
		err = p.RunPeriod(ctx, t, r.period)
	} else {
		err = job.Run(ctx, t, r.firedAt)
	}
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		s.log.Info("task run abandoned", logx.Tenant(t.Tenant), logx.String("task", t.Name))
		return err
	}

	status, lastErr, retryAt := s.settle(ctx, t, r.period, err, s.now())
	s.commit(ctx, t, r.outcome(status, lastErr, retryAt))
	s.metrics.Executed(t.Tenant, t.Kind, status)
	if err != nil {
		s.log.Warn("task run failed",
			logx.Tenant(t.Tenant), logx.String("task", t.Name), logx.String("period", r.period),
			logx.String("status", status), logx.Err(err))
	}
	return err
}

// settle routes the outcome of a run through the retry coordinator.
func (s *Scheduler) settle(ctx context.Context, t models.Task, period string, runErr error, now time.Time) (status, lastErr string, retryAt *time.Time) {
	if runErr == nil {
		if period != "" {
			s.retry.MarkSuccess(ctx, t.Tenant, period, now)
		}
		return models.StatusOK, "", nil
	}
	lastErr = runErr.Error()
	if period == "" || engine.IsNoRetry(runErr) {
		return models.StatusFailed, lastErr, nil
	}

	st, err := s.retry.IncrementAttempt(ctx, t.Tenant, period, policy(t), now)
	switch {
	case errors.Is(err, retry.ErrRetryExhausted):
		s.exhausted(ctx, t, period, st, runErr)
		return models.StatusExhausted, lastErr, nil
	case errors.Is(err, retry.ErrRetryClosed):
		return models.StatusClosed, lastErr, nil
	case err != nil:
		s.log.Error("retry bookkeeping failed", logx.Tenant(t.Tenant), logx.String("period", period), logx.Err(err))
		return models.StatusFailed, lastErr, nil
	}
	s.metrics.RetryAttempt(t.Tenant)
	next := st.NextAttempt
	return models.StatusFailed, lastErr, &next
}

// exhausted sends the single final-failure notification for (tenant, period).
func (s *Scheduler) exhausted(ctx context.Context, t models.Task, period string, st models.RetryState, cause error) {
	s.metrics.RetryExhausted(t.Tenant)
	s.audit.Emit(ctx, audit.Event{
		At:      st.LastAttempt,
		Type:    audit.RetryExhausted,
		Tenant:  t.Tenant,
		Subject: period,
		Detail:  fmt.Sprintf("task=%s attempts=%d err=%v", t.Name, st.Attempts, cause),
	})
	msg := fmt.Sprintf("%s: gave up on %s after %d attempts.", t.Name, period, st.Attempts)
	if err := s.sink.Deliver(ctx, t.Tenant, msg); err != nil {
		s.log.Error("final failure notification not delivered",
			logx.Tenant(t.Tenant), logx.String("task", t.Name), logx.String("period", period), logx.Err(err))
	}
}

func (s *Scheduler) commit(ctx context.Context, t models.Task, o outcome) {
	_, ok, err := s.reg.Update(ctx, t.Tenant, t.ID, func(x *models.Task) {
		if o.lastRun != nil {
			x.LastRun = o.lastRun
		}
		x.UpdatedAt = o.at
		x.LastStatus = o.status
		x.LastError = o.lastErr
		x.RetryAt = o.retryAt
		x.RetryPeriod = o.retryPeriod
	})
	switch {
	case err != nil:
		s.log.Warn("task state not persisted", logx.Tenant(t.Tenant), logx.String("task", t.Name), logx.Err(err))
	case !ok:
		s.log.Debug("task removed before commit", logx.Tenant(t.Tenant), logx.String("task", t.Name))
	}
}

func policy(t models.Task) retry.Policy {
	return retry.Policy{Interval: t.RetryInterval, MaxDuration: t.MaxRetryDuration}
}
