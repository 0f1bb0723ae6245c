package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "kidbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) error {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(qt queuedTask) {
	defer qt.task.State.release()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	s.publish("task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	runCtx, cancel := parent, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, qt.timeout)
	}
	err := run(runCtx, qt.task, s.log)
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Debug("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
		s.publish("task.failed", ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur))
		}
		s.publish("task.finished", ev)
	}
	s.record(item)
}

// run calls the task body, converting a panic into an error for this run only.
func run(ctx context.Context, t Task, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
