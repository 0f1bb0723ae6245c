package content

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("content source unavailable: circuit open")

type BreakerConfig struct {
	// TripFailures consecutive failures open the circuit. 0 means 5, negative disables.
	TripFailures int
	// BaseDelay is the first open period; it doubles per further failure up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ResetAfter forgets the failure streak when the last failure is older than this.
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 15 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = time.Hour
	}
	return c
}

// Breaker wraps a Fetcher shared by every tenant. After TripFailures consecutive
// upstream errors it fails fast until the open period ends, so a dead bucket costs one
// error per retry instead of one request timeout per tenant.
//
// A missing object (found=false) and a canceled context are not failures.
type Breaker struct {
	next Fetcher
	cfg  BreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewBreaker(next Fetcher, cfg BreakerConfig) *Breaker {
	return &Breaker{next: next, cfg: cfg.withDefaults(), now: time.Now}
}

func (b *Breaker) Fetch(ctx context.Context, tenant, period string) (string, bool, error) {
	if b.cfg.TripFailures < 0 {
		return b.next.Fetch(ctx, tenant, period)
	}
	if until, open := b.isOpen(b.now()); open {
		return "", false, fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
	}
	text, found, err := b.next.Fetch(ctx, tenant, period)
	if err != nil && ctx.Err() != nil {
		return text, found, err
	}
	b.record(b.now(), err)
	return text, found, err
}

// Open reports whether fetches currently fail fast.
func (b *Breaker) Open() bool {
	_, open := b.isOpen(b.now())
	return open
}

func (b *Breaker) isOpen(now time.Time) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetStaleLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return b.openUntil, true
	}
	return time.Time{}, false
}

func (b *Breaker) resetStaleLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

func (b *Breaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetStaleLocked(now)
	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.TripFailures {
		return
	}
	d := b.cfg.BaseDelay
	for i := b.cfg.TripFailures; i < b.fails && d < b.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.openUntil = now.Add(d)
}
