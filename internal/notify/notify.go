// Package notify delivers messages to tenants.
//
// Sinks do not retry. A failed reminder stays pending and the scheduler's next pass
// tries it again.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "kidbot/internal/transport"
	logx "kidbot/pkg/logx"
)

var (
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrUnknownTenant  = errors.New("no chat target for tenant")
)

type Sink interface {
	Deliver(ctx context.Context, tenant, message string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, tenant, message string) error

func (f SinkFunc) Deliver(ctx context.Context, tenant, message string) error {
	return f(ctx, tenant, message)
}

// Sender is the transport call used by TelegramSink.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	// RatePerSec limits outbound sends across all tenants; 0 means 20.
	RatePerSec int
	// Timeout bounds one send; 0 means 15s.
	Timeout time.Duration
}

// TelegramSink sends to the chat mapped to each tenant.
type TelegramSink struct {
	sender Sender
	log    logx.Logger

	mu      sync.RWMutex
	targets map[string]kit.ChatTarget
	limiter *rate.Limiter
	timeout time.Duration
}

func NewTelegramSink(sender Sender, cfg Config, targets map[string]kit.ChatTarget, log logx.Logger) *TelegramSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &TelegramSink{sender: sender, log: log}
	s.Apply(cfg)
	s.SetTargets(targets)
	return s
}

// Apply updates the send rate and timeout.
func (s *TelegramSink) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
	s.timeout = cfg.Timeout
}

// SetTargets replaces the tenant routing table.
func (s *TelegramSink) SetTargets(targets map[string]kit.ChatTarget) {
	m := make(map[string]kit.ChatTarget, len(targets))
	for k, v := range targets {
		m[k] = v
	}
	s.mu.Lock()
	s.targets = m
	s.mu.Unlock()
}

// Target returns the chat mapped to tenant.
func (s *TelegramSink) Target(tenant string) (kit.ChatTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[tenant]
	return t, ok
}

// TenantFor resolves the tenant owning a chat.
func (s *TelegramSink) TenantFor(chatID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []string
	for tenant, t := range s.targets {
		if t.ChatID == chatID {
			hits = append(hits, tenant)
		}
	}
	if len(hits) == 0 {
		return "", false
	}
	sort.Strings(hits)
	return hits[0], true
}

func (s *TelegramSink) Deliver(ctx context.Context, tenant, message string) error {
	s.mu.RLock()
	to, ok := s.targets[tenant]
	lim, timeout := s.limiter, s.timeout
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
	}
	if strings.TrimSpace(message) == "" {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.sender.SendText(sctx, to, message, &kit.SendOptions{DisablePreview: true}); err != nil {
		s.log.Debug("send failed", logx.Tenant(tenant), logx.Int64("chat_id", to.ChatID), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// LogSink writes messages to the log instead of sending them.
type LogSink struct {
	Log logx.Logger
}

func (l LogSink) Deliver(_ context.Context, tenant, message string) error {
	l.Log.Info("deliver", logx.Tenant(tenant), logx.String("text", message))
	return nil
}
