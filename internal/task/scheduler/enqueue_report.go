package scheduler

import (
	"errors"
	"time"

	"kidbot/internal/task/engine"
	logx "kidbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed hand-off to the engine, at most once per key every
// enqueueWarnThrottle. The work stays due and is offered again on the next tick.
func (s *Scheduler) reportEnqueueError(key string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("dispatch skipped, previous run in flight", logx.String("key", key))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	if len(s.lastEnqWarn) >= 1024 {
		for k, at := range s.lastEnqWarn {
			if now.Sub(at) >= enqueueWarnThrottle {
				delete(s.lastEnqWarn, k)
			}
		}
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()

	s.log.Warn("dispatch failed", logx.String("key", key), logx.Err(err))
}
