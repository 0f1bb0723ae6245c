package content

import (
	"context"
	"fmt"
	"time"

	"kidbot/internal/models"
	"kidbot/internal/notify"
	"kidbot/internal/task/dedup"
	logx "kidbot/pkg/logx"
)

// Job is the content_check task body: fetch the period's content, skip it when it was
// already delivered, otherwise deliver and remember it.
//
// Errors are wrapped with ErrFetchFailed or ErrFetchEmpty so the scheduler retries the
// period. A delivery failure is returned as well; the digest is only recorded after a
// successful send.
type Job struct {
	Fetcher Fetcher
	Sink    notify.Sink
	Guard   *dedup.Guard
	Log     logx.Logger
	// Loc is the zone periods are computed in; nil uses the instant's own zone.
	Loc *time.Location
	// OnDuplicate is called when delivery was suppressed.
	OnDuplicate func(tenant string)
}

// Period returns the ISO week of now.
func (j *Job) Period(_ models.Task, now time.Time) string {
	if j.Loc != nil {
		now = now.In(j.Loc)
	}
	return models.WeekPeriod(now)
}

func (j *Job) Run(ctx context.Context, t models.Task, now time.Time) error {
	return j.RunPeriod(ctx, t, j.Period(t, now))
}

// RunPeriod fetches and delivers the content of one period.
func (j *Job) RunPeriod(ctx context.Context, t models.Task, period string) error {
	text, found, err := j.Fetcher.Fetch(ctx, t.Tenant, period)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrFetchFailed, t.Tenant, period, err)
	}
	if !found {
		return fmt.Errorf("%w: %s %s", ErrFetchEmpty, t.Tenant, period)
	}

	d := dedup.Hash([]byte(t.Tenant + "\n" + text))
	if j.Guard != nil && j.Guard.IsDuplicate(ctx, d) {
		j.Log.Debug("content already delivered", logx.Tenant(t.Tenant), logx.String("period", period))
		if j.OnDuplicate != nil {
			j.OnDuplicate(t.Tenant)
		}
		return nil
	}
	if err := j.Sink.Deliver(ctx, t.Tenant, text); err != nil {
		return err
	}
	if j.Guard != nil {
		j.Guard.Record(ctx, d)
	}
	j.Log.Info("content delivered", logx.Tenant(t.Tenant), logx.String("period", period), logx.Int("bytes", len(text)))
	return nil
}
