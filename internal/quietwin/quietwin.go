// Package quietwin evaluates daily quiet windows: configured time-of-day
// ranges during which forwarding is suppressed.
package quietwin

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a half-open daily interval [Start, End) in minutes since
// midnight, evaluated in Loc. Start > End wraps midnight. Start == End is
// the empty window: never quiet.
type Window struct {
	Start int
	End   int
	Loc   *time.Location
}

// Default is the auto-night fallback window applied when auto-night is
// enabled but no explicit window has been configured.
func Default(loc *time.Location) Window {
	return Window{Start: 23 * 60, End: 6 * 60, Loc: loc}
}

// Parse reads "HH:MM-HH:MM" into a Window evaluated in loc.
func Parse(spec string, loc *time.Location) (Window, error) {
	parts := strings.SplitN(strings.TrimSpace(spec), "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("quiet window %q: want HH:MM-HH:MM", spec)
	}
	sh, sm, err := ParseHHMM(parts[0])
	if err != nil {
		return Window{}, err
	}
	eh, em, err := ParseHHMM(parts[1])
	if err != nil {
		return Window{}, err
	}
	return Window{Start: sh*60 + sm, End: eh*60 + em, Loc: loc}, nil
}

// ParseHHMM validates and splits a "HH:MM" clock string.
func ParseHHMM(s string) (hh, mm int, err error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("clock time %q: want HH:MM", s)
	}
	hh, err1 := strconv.Atoi(s[:2])
	mm, err2 := strconv.Atoi(s[3:])
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("clock time %q: want HH:MM", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("clock time %q out of range", s)
	}
	return hh, mm, nil
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// IsZero reports an unconfigured window.
func (w Window) IsZero() bool { return w.Start == 0 && w.End == 0 && w.Loc == nil }

func (w Window) location() *time.Location {
	if w.Loc != nil {
		return w.Loc
	}
	return time.Local
}

// Contains reports whether now falls inside the window.
func (w Window) Contains(now time.Time) bool {
	if w.Start == w.End {
		return false
	}
	local := now.In(w.location())
	m := local.Hour()*60 + local.Minute()
	if w.Start < w.End {
		return w.Start <= m && m < w.End
	}
	return m >= w.Start || m < w.End
}

// SecondsUntilEnd returns the seconds until the next end-of-window instant
// strictly after now. Only meaningful while Contains(now) is true; always
// returns at least 1 to avoid zero-length sleeps.
func (w Window) SecondsUntilEnd(now time.Time) int {
	local := now.In(w.location())
	end := time.Date(local.Year(), local.Month(), local.Day(),
		w.End/60, w.End%60, 0, 0, w.location())
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	secs := int((end.Sub(local) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
