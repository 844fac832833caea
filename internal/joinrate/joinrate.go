// Package joinrate paces destination joins: a rolling per-hour cap plus a
// randomized inter-join delay, to stay clear of platform abuse heuristics.
package joinrate

import (
	"math/rand"
	"sync"
	"time"
)

const window = time.Hour

type Config struct {
	PerHour  int           // max joins in any trailing hour; <=0 means default
	MinDelay time.Duration // jitter range between consecutive joins
	MaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerHour <= 0 {
		c.PerHour = 15
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 45 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 90 * time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	return c
}

// Limiter tracks join timestamps in a trailing one-hour window. State is
// in-memory only; losing it on restart just makes pacing more conservative.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	joins  []time.Time
	now    func() time.Time
	randFn func(n int64) int64
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg.withDefaults(), now: time.Now, randFn: rand.Int63n}
}

// NewWithClock is for tests that need deterministic time and jitter.
func NewWithClock(cfg Config, now func() time.Time, randFn func(int64) int64) *Limiter {
	l := New(cfg)
	if now != nil {
		l.now = now
	}
	if randFn != nil {
		l.randFn = randFn
	}
	return l
}

// CanJoinNow reports whether the hourly cap still has headroom.
func (l *Limiter) CanJoinNow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.joins) < l.cfg.PerHour
}

// RecordJoin marks a successful join attempt. Failed attempts, including
// rate-limited ones, must not be recorded.
func (l *Limiter) RecordJoin(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	l.joins = append(l.joins, at)
}

// NextAllowedDelay returns how long the caller should wait before the next
// join attempt: the jitter sample when under the cap, or the time until the
// oldest recorded join leaves the window when at the cap (whichever is
// larger).
func (l *Limiter) NextAllowedDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)

	jitter := l.cfg.MinDelay
	if span := int64(l.cfg.MaxDelay - l.cfg.MinDelay); span > 0 {
		jitter += time.Duration(l.randFn(span + 1))
	}
	if len(l.joins) < l.cfg.PerHour {
		return jitter
	}
	until := l.joins[0].Add(window).Sub(now)
	if until < jitter {
		return jitter
	}
	return until
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.joins) && !l.joins[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.joins = append(l.joins[:0], l.joins[i:]...)
	}
}
