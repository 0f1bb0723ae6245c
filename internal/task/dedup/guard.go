// Package dedup suppresses repeat delivery of byte-identical payloads.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"kidbot/internal/storage"
	logx "kidbot/pkg/logx"
)

// Digest is the hex SHA-256 of a payload. It is stable across restarts.
type Digest string

func Hash(content []byte) Digest {
	sum := sha256.Sum256(content)
	return Digest(hex.EncodeToString(sum[:]))
}

type Config struct {
	// Window is how long a recorded digest suppresses re-delivery.
	Window time.Duration
	// MaxEntries clears the set wholesale once exceeded.
	MaxEntries int
	// Persist mirrors entries into the DedupStore so suppression survives restarts.
	Persist bool
}

func DefaultConfig() Config {
	return Config{Window: 24 * time.Hour, MaxEntries: 10000}
}

// Guard is a digest -> first-seen set.
type Guard struct {
	mu    sync.Mutex
	cfg   Config
	seen  map[Digest]time.Time
	store storage.DedupStore
	log   logx.Logger

	Now func() time.Time
}

func New(cfg Config, store storage.DedupStore, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Guard{seen: map[Digest]time.Time{}, store: store, log: log, Now: time.Now}
	g.Apply(cfg)
	return g
}

func (g *Guard) Apply(cfg Config) {
	d := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = d.MaxEntries
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// IsDuplicate reports whether d was recorded within the window.
func (g *Guard) IsDuplicate(ctx context.Context, d Digest) bool {
	if d == "" {
		return false
	}
	now := g.Now()

	g.mu.Lock()
	cfg := g.cfg
	g.pruneLocked(now)
	if _, ok := g.seen[d]; ok {
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	if !cfg.Persist || g.store == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	until, ok, err := g.store.GetDedup(cctx, string(d))
	cancel()
	if err != nil {
		g.log.Debug("dedup lookup failed", logx.Err(err))
		return false
	}
	if !ok || !now.Before(until) {
		return false
	}
	g.mu.Lock()
	g.seen[d] = until.Add(-cfg.Window)
	g.mu.Unlock()
	return true
}

// Record marks d as delivered now. Call it after a successful send.
func (g *Guard) Record(ctx context.Context, d Digest) {
	if d == "" {
		return
	}
	now := g.Now()

	g.mu.Lock()
	cfg := g.cfg
	g.pruneLocked(now)
	if len(g.seen) >= cfg.MaxEntries {
		g.log.Debug("dedup set cleared", logx.Int("entries", len(g.seen)))
		g.seen = make(map[Digest]time.Time, len(g.seen)/2)
	}
	if _, ok := g.seen[d]; !ok {
		g.seen[d] = now
	}
	g.mu.Unlock()

	if cfg.Persist && g.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := g.store.PutDedup(cctx, string(d), now.Add(cfg.Window)); err != nil {
			g.log.Warn("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
}

// Len returns the number of live entries.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.Now())
	return len(g.seen)
}

func (g *Guard) pruneLocked(now time.Time) {
	for d, first := range g.seen {
		if now.Sub(first) >= g.cfg.Window {
			delete(g.seen, d)
		}
	}
}
