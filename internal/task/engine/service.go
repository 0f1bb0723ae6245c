// Package engine executes task bodies on a bounded worker pool so a slow job never
// delays the scheduler's scan of other tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"kidbot/internal/eventbus"
	rtsup "kidbot/internal/runtime/supervisor"
	logx "kidbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan queuedTask
	stopCh chan struct{}
	sup    *rtsup.Supervisor

	// runCtx is the parent of every run. Stop cancels it once the grace period ends.
	runCtx     context.Context
	cancelRuns context.CancelFunc

	inFlight atomic.Int32
	dropped  atomic.Uint64
	idSeq    atomic.Uint64

	lastQueueFullWarnAt atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}
	cfg := s.cfg

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.runCtx, s.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	stopCh, queue := s.stopCh, s.q
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, stopCh, queue)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting work and lets running tasks finish within grace. After grace
// their context is canceled; Stop then waits for the workers until ctx ends. Queued
// tasks that never started are dropped.
func (s *Service) Stop(ctx context.Context, grace time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup, cancelRuns, queue := s.sup, s.cancelRuns, s.q
	s.stopCh, s.q, s.sup = nil, nil, nil
	s.mu.Unlock()

	gctx, cancel := context.WithTimeout(ctx, grace)
	err := sup.Wait(gctx)
	cancel()
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		s.log.Warn("grace period over, abandoning running tasks", logx.Int("in_flight", s.InFlight()), logx.Duration("grace", grace))
		cancelRuns()
		if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
			s.log.Warn("task engine stop timed out", logx.Err(err))
		}
	} else {
		cancelRuns()
		sup.Cancel()
	}

drain:
	for {
		select {
		case qt := <-queue:
			qt.task.State.release()
			s.dropped.Add(1)
			s.publish("task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Error: "stopped"})
		default:
			break drain
		}
	}
	s.log.Info("task engine stopped")
}

// Enqueue hands t to a worker without blocking. It fails with ErrOverlapSkip when
// t.State is busy and with ErrQueueFull when no slot is free.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("run-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.q == nil {
		return ErrStopped
	}
	if !t.State.tryAcquire() {
		s.publish("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap"})
		return ErrOverlapSkip
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	select {
	case s.q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
		return nil
	default:
		t.State.release()
		s.onQueueFull(now, t)
		return ErrQueueFull
	}
}

// InFlight returns the number of running tasks.
func (s *Service) InFlight() int { return int(s.inFlight.Load()) }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	ql, qc := 0, 0
	if s.q != nil {
		ql, qc = len(s.q), cap(s.q)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:  cfg.Enabled,
		Workers:  cfg.Workers,
		QueueLen: ql,
		QueueCap: qc,
		InFlight: s.InFlight(),
		Dropped:  s.dropped.Load(),
		History:  h,
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) onQueueFull(now time.Time, t Task) {
	s.dropped.Add(1)
	s.publish("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	prev := s.lastQueueFullWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastQueueFullWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", s.cfg.QueueSize),
			logx.Uint64("dropped", s.dropped.Load()))
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}
