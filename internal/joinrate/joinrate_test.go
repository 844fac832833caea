package joinrate

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestHourlyCap(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	l := NewWithClock(Config{PerHour: 3}, func() time.Time { return now }, nil)

	for i := 0; i < 3; i++ {
		if !l.CanJoinNow() {
			t.Fatalf("join %d: expected headroom", i)
		}
		l.RecordJoin(now)
		now = now.Add(time.Minute)
	}
	if l.CanJoinNow() {
		t.Fatal("expected cap to be reached after 3 joins")
	}

	// The first join slides out of the trailing hour.
	now = base.Add(time.Hour + time.Second)
	if !l.CanJoinNow() {
		t.Fatal("expected headroom once the oldest join left the window")
	}
}

func TestNextAllowedDelayJitterRange(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := Config{PerHour: 15, MinDelay: 45 * time.Second, MaxDelay: 90 * time.Second}

	l := NewWithClock(cfg, fixedClock(base), func(n int64) int64 { return 0 })
	if got := l.NextAllowedDelay(); got != 45*time.Second {
		t.Fatalf("min jitter = %v, want 45s", got)
	}

	l = NewWithClock(cfg, fixedClock(base), func(n int64) int64 { return n - 1 })
	if got := l.NextAllowedDelay(); got != 90*time.Second {
		t.Fatalf("max jitter = %v, want 90s", got)
	}
}

func TestNextAllowedDelayAtCap(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewWithClock(Config{PerHour: 1, MinDelay: time.Second, MaxDelay: time.Second},
		fixedClock(base.Add(10*time.Minute)), func(n int64) int64 { return 0 })
	l.RecordJoin(base)

	// Oldest join leaves the window 50 minutes from "now".
	if got := l.NextAllowedDelay(); got != 50*time.Minute {
		t.Fatalf("delay at cap = %v, want 50m", got)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.PerHour != 15 || cfg.MinDelay != 45*time.Second || cfg.MaxDelay != 90*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
