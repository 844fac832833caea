package quietwin

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, spec string) Window {
	t.Helper()
	w, err := Parse(spec, time.UTC)
	if err != nil {
		t.Fatalf("Parse(%q): %v", spec, err)
	}
	return w
}

func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 10, hh, mm, 0, 0, time.UTC)
}

func TestContainsWrappingWindow(t *testing.T) {
	t.Parallel()
	w := mustParse(t, "23:00-07:00")

	tests := []struct {
		hh, mm int
		want   bool
	}{
		{23, 30, true},
		{2, 0, true},
		{6, 59, true},
		{7, 0, false},
		{12, 0, false},
		{22, 59, false},
		{23, 0, true},
	}
	for _, tt := range tests {
		if got := w.Contains(at(tt.hh, tt.mm)); got != tt.want {
			t.Errorf("Contains(%02d:%02d) = %v, want %v", tt.hh, tt.mm, got, tt.want)
		}
	}
}

func TestContainsPlainWindow(t *testing.T) {
	t.Parallel()
	w := mustParse(t, "09:00-17:00")
	if !w.Contains(at(9, 0)) {
		t.Error("expected quiet at window start")
	}
	if w.Contains(at(17, 0)) {
		t.Error("window end is exclusive")
	}
	if w.Contains(at(8, 59)) {
		t.Error("expected not quiet before start")
	}
}

func TestZeroWidthWindowNeverQuiet(t *testing.T) {
	t.Parallel()
	w := mustParse(t, "10:00-10:00")
	for hh := 0; hh < 24; hh++ {
		if w.Contains(at(hh, 0)) {
			t.Fatalf("start==end window must never be quiet, got quiet at %02d:00", hh)
		}
	}
}

func TestSecondsUntilEnd(t *testing.T) {
	t.Parallel()
	w := mustParse(t, "23:00-07:00")
	if got := w.SecondsUntilEnd(at(23, 0)); got != 8*3600 {
		t.Fatalf("SecondsUntilEnd at 23:00 = %d, want %d", got, 8*3600)
	}
	if got := w.SecondsUntilEnd(at(6, 0)); got != 3600 {
		t.Fatalf("SecondsUntilEnd at 06:00 = %d, want %d", got, 3600)
	}

	// Never returns less than 1, even right at the boundary.
	end := time.Date(2025, 3, 10, 6, 59, 59, 900_000_000, time.UTC)
	if got := w.SecondsUntilEnd(end); got < 1 {
		t.Fatalf("SecondsUntilEnd near end = %d, want >= 1", got)
	}
}

func TestSecondsUntilEndRespectsTimezone(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	w, err := Parse("23:00-06:00", loc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// 23:30 IST == 18:00 UTC on the same day.
	now := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	if !w.Contains(now) {
		t.Fatal("expected quiet at 23:30 IST")
	}
	if got := w.SecondsUntilEnd(now); got != 6*3600+30*60 {
		t.Fatalf("SecondsUntilEnd = %d, want %d", got, 6*3600+30*60)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"", "23:00", "7:00-9:00", "24:00-01:00", "23:60-01:00", "aa:bb-cc:dd"} {
		if _, err := Parse(spec, time.UTC); err == nil {
			t.Errorf("Parse(%q): expected error", spec)
		}
	}
}
