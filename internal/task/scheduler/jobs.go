package scheduler

import (
	"context"
	"strings"
	"time"

	"kidbot/internal/models"
	"kidbot/internal/notify"
	"kidbot/internal/task/engine"
)

// MessageJob delivers a task's description to its tenant.
type MessageJob struct {
	Sink notify.Sink
}

func (j MessageJob) Run(ctx context.Context, t models.Task, _ time.Time) error {
	text := strings.TrimSpace(t.Description)
	if text == "" {
		text = t.Name
	}
	if err := j.Sink.Deliver(ctx, t.Tenant, text); err != nil {
		return engine.NoRetry(err)
	}
	return nil
}
