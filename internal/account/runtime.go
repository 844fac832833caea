// Package account owns the per-account runtime configuration. All
// mutations go through synchronized accessors and are durably persisted
// before they are acknowledged; the dispatch loop reads via Snapshot.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/quietwin"
	"relaybot/internal/store"
)

const (
	// MaxDestinations caps the destination set; additions beyond it are
	// refused before any network call.
	MaxDestinations = 50

	// MinPerItemDelaySeconds is the floor applied to the per-item delay.
	MinPerItemDelaySeconds = 5

	// DefaultTimezone applies when an account has no timezone configured.
	DefaultTimezone = "Asia/Kolkata"
)

// ErrCapacity is returned when the destination cap is reached.
var ErrCapacity = errors.New("destination limit reached")

type Runtime struct {
	mu  sync.Mutex
	st  store.Store
	rec store.Record
}

// Load reads an existing account record.
func Load(ctx context.Context, st store.Store, name string) (*Runtime, error) {
	rec, err := st.LoadAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	normalize(&rec)
	return &Runtime{st: st, rec: rec}, nil
}

// New wraps a fresh record and persists it.
func New(ctx context.Context, st store.Store, rec store.Record) (*Runtime, error) {
	normalize(&rec)
	if err := st.SaveAccount(ctx, rec); err != nil {
		return nil, err
	}
	return &Runtime{st: st, rec: rec}, nil
}

func normalize(rec *store.Record) {
	if rec.Mode != store.ModeRoundRobin {
		rec.Mode = store.ModeBroadcast
	}
	if rec.PerItemDelaySeconds < MinPerItemDelaySeconds {
		rec.PerItemDelaySeconds = MinPerItemDelaySeconds
	}
	if rec.GapSeconds < 0 {
		rec.GapSeconds = 0
	}
	if rec.Timezone == "" {
		rec.Timezone = DefaultTimezone
	}
	if len(rec.Destinations) > 0 {
		rec.RotationCursor %= len(rec.Destinations)
		if rec.RotationCursor < 0 {
			rec.RotationCursor = 0
		}
	} else {
		rec.RotationCursor = 0
	}
}

func (r *Runtime) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Name
}

// Snapshot returns a copy safe to read without holding the lock.
func (r *Runtime) Snapshot() store.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRecord(r.rec)
}

func cloneRecord(rec store.Record) store.Record {
	cp := rec
	cp.Destinations = append([]string(nil), rec.Destinations...)
	if rec.RestUntil != nil {
		t := *rec.RestUntil
		cp.RestUntil = &t
	}
	return cp
}

// mutate applies fn to a copy, persists it, and only then commits it to
// memory, so a failed persist never acknowledges a lost update.
func (r *Runtime) mutate(ctx context.Context, fn func(*store.Record) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := cloneRecord(r.rec)
	if err := fn(&next); err != nil {
		return err
	}
	if err := r.st.SaveAccount(ctx, next); err != nil {
		return fmt.Errorf("persist account %s: %w", r.rec.Name, err)
	}
	r.rec = next
	return nil
}

// AddDestination appends the descriptor, keeping set semantics over the
// original strings. Reports whether it was genuinely new.
func (r *Runtime) AddDestination(ctx context.Context, descriptor string) (added bool, err error) {
	err = r.mutate(ctx, func(rec *store.Record) error {
		for _, d := range rec.Destinations {
			if d == descriptor {
				return nil
			}
		}
		if len(rec.Destinations) >= MaxDestinations {
			return ErrCapacity
		}
		rec.Destinations = append(rec.Destinations, descriptor)
		added = true
		return nil
	})
	return added, err
}

// HasCapacity reports whether another destination may be added. Used to
// refuse resolution attempts before any network call.
func (r *Runtime) HasCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rec.Destinations) < MaxDestinations
}

// RemoveDestination deletes the descriptor if present.
func (r *Runtime) RemoveDestination(ctx context.Context, descriptor string) (removed bool, err error) {
	err = r.mutate(ctx, func(rec *store.Record) error {
		for i, d := range rec.Destinations {
			if d == descriptor {
				rec.Destinations = append(rec.Destinations[:i], rec.Destinations[i+1:]...)
				removed = true
				// Keep the cursor pointing into the shrunken list.
				if n := len(rec.Destinations); n > 0 {
					if rec.RotationCursor > i {
						rec.RotationCursor--
					}
					rec.RotationCursor %= n
				} else {
					rec.RotationCursor = 0
				}
				return nil
			}
		}
		return nil
	})
	return removed, err
}

// SetPerItemDelay applies the floor and returns the effective value.
func (r *Runtime) SetPerItemDelay(ctx context.Context, seconds int) (int, error) {
	if seconds < MinPerItemDelaySeconds {
		seconds = MinPerItemDelaySeconds
	}
	err := r.mutate(ctx, func(rec *store.Record) error {
		rec.PerItemDelaySeconds = seconds
		return nil
	})
	return seconds, err
}

func (r *Runtime) SetGap(ctx context.Context, seconds int) error {
	if seconds < 0 {
		return errors.New("gap must be >= 0")
	}
	return r.mutate(ctx, func(rec *store.Record) error {
		rec.GapSeconds = seconds
		return nil
	})
}

func (r *Runtime) SetMode(ctx context.Context, mode store.Mode) error {
	if mode != store.ModeBroadcast && mode != store.ModeRoundRobin {
		return fmt.Errorf("unknown mode %q", mode)
	}
	return r.mutate(ctx, func(rec *store.Record) error {
		rec.Mode = mode
		return nil
	})
}

// AdvanceCursor moves the round-robin cursor by one (mod destination
// count) and persists it. Returns the cursor value before advancing.
func (r *Runtime) AdvanceCursor(ctx context.Context) (int, error) {
	var before int
	err := r.mutate(ctx, func(rec *store.Record) error {
		n := len(rec.Destinations)
		if n == 0 {
			return errors.New("no destinations")
		}
		before = rec.RotationCursor % n
		rec.RotationCursor = (before + 1) % n
		return nil
	})
	return before, err
}

// SetQuietWindow stores an explicit window; both bounds are "HH:MM".
func (r *Runtime) SetQuietWindow(ctx context.Context, start, end string) error {
	if _, _, err := quietwin.ParseHHMM(start); err != nil {
		return err
	}
	if _, _, err := quietwin.ParseHHMM(end); err != nil {
		return err
	}
	return r.mutate(ctx, func(rec *store.Record) error {
		rec.QuietStart, rec.QuietEnd = start, end
		return nil
	})
}

func (r *Runtime) ClearQuietWindow(ctx context.Context) error {
	return r.mutate(ctx, func(rec *store.Record) error {
		rec.QuietStart, rec.QuietEnd = "", ""
		return nil
	})
}

func (r *Runtime) SetTimezone(ctx context.Context, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q", tz)
	}
	return r.mutate(ctx, func(rec *store.Record) error {
		rec.Timezone = tz
		return nil
	})
}

func (r *Runtime) SetAutoNight(ctx context.Context, on bool) error {
	return r.mutate(ctx, func(rec *store.Record) error {
		rec.AutoNight = on
		return nil
	})
}

// Rest suppresses dispatch until the given instant; nil resumes.
func (r *Runtime) Rest(ctx context.Context, until *time.Time) error {
	return r.mutate(ctx, func(rec *store.Record) error {
		rec.RestUntil = until
		return nil
	})
}

// Location resolves the account timezone, falling back to the default.
func Location(rec store.Record) *time.Location {
	if rec.Timezone != "" {
		if loc, err := time.LoadLocation(rec.Timezone); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// QuietWindow derives the active window from a snapshot: the explicit
// window when configured, the auto-night default when auto-night is on,
// otherwise none.
func QuietWindow(rec store.Record) (quietwin.Window, bool) {
	loc := Location(rec)
	if rec.QuietStart != "" && rec.QuietEnd != "" {
		w, err := quietwin.Parse(rec.QuietStart+"-"+rec.QuietEnd, loc)
		if err == nil {
			return w, true
		}
	}
	if rec.AutoNight {
		return quietwin.Default(loc), true
	}
	return quietwin.Window{}, false
}

// Resting reports whether dispatch is suppressed by an explicit pause.
func Resting(rec store.Record, now time.Time) bool {
	return rec.RestUntil != nil && now.Before(*rec.RestUntil)
}

// PlanExpired reports whether the account's plan lapsed before today.
// An empty expiry never expires.
func PlanExpired(rec store.Record, now time.Time) bool {
	if rec.PlanExpiry == "" {
		return false
	}
	d, err := time.ParseInLocation("2006-01-02", rec.PlanExpiry, Location(rec))
	if err != nil {
		return false
	}
	y, m, day := now.In(Location(rec)).Date()
	today := time.Date(y, m, day, 0, 0, 0, 0, Location(rec))
	return d.Before(today)
}
