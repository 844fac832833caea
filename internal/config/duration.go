package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseUserDuration parses the duration grammar accepted in commands:
// a bare integer is seconds, otherwise composable number+unit pairs with
// units s, m, h and d ("30s", "1h30m", "2d"). Case-insensitive.
func ParseUserDuration(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if allDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", raw, err)
		}
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	i := 0
	for i < len(s) {
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == i {
			return 0, fmt.Errorf("duration %q: expected a number at %q", raw, s[i:])
		}
		if j == len(s) {
			return 0, fmt.Errorf("duration %q: missing unit after %q", raw, s[i:j])
		}
		n, err := strconv.ParseInt(s[i:j], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", raw, err)
		}
		var unit time.Duration
		switch s[j] {
		case 's':
			unit = time.Second
		case 'm':
			unit = time.Minute
		case 'h':
			unit = time.Hour
		case 'd':
			unit = 24 * time.Hour
		default:
			return 0, fmt.Errorf("duration %q: unknown unit %q", raw, string(s[j]))
		}
		total += time.Duration(n) * unit
		i = j + 1
	}
	if total < 0 {
		return 0, fmt.Errorf("duration %q overflows", raw)
	}
	return total, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
