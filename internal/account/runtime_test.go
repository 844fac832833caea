package account

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"relaybot/internal/store"
	"relaybot/pkg/logx"
)

func newRuntime(t *testing.T) (*Runtime, store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rt, err := New(context.Background(), st, store.Record{Name: "alice", OwnerID: 1, Timezone: "UTC"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt, st, dir
}

func TestAddRemoveDestinations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rt, _, _ := newRuntime(t)

	added, err := rt.AddDestination(ctx, "@chan_a")
	if err != nil || !added {
		t.Fatalf("AddDestination: added=%v err=%v", added, err)
	}
	added, err = rt.AddDestination(ctx, "@chan_a")
	if err != nil || added {
		t.Fatalf("duplicate add must be a no-op: added=%v err=%v", added, err)
	}

	removed, err := rt.RemoveDestination(ctx, "@chan_a")
	if err != nil || !removed {
		t.Fatalf("RemoveDestination: removed=%v err=%v", removed, err)
	}
	removed, err = rt.RemoveDestination(ctx, "@chan_a")
	if err != nil || removed {
		t.Fatalf("removing absent descriptor: removed=%v err=%v", removed, err)
	}
}

func TestCapacityCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rt, _, _ := newRuntime(t)

	for i := 0; i < MaxDestinations; i++ {
		if _, err := rt.AddDestination(ctx, fmt.Sprintf("@chan_%02d", i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if rt.HasCapacity() {
		t.Fatal("expected no capacity at the cap")
	}
	if _, err := rt.AddDestination(ctx, "@one_too_many"); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	if n := len(rt.Snapshot().Destinations); n != MaxDestinations {
		t.Fatalf("destinations = %d, want %d", n, MaxDestinations)
	}
}

func TestMutationsPersistImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rt, st, _ := newRuntime(t)

	if _, err := rt.AddDestination(ctx, "@chan_a"); err != nil {
		t.Fatal(err)
	}
	if err := rt.SetMode(ctx, store.ModeRoundRobin); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.SetPerItemDelay(ctx, 30); err != nil {
		t.Fatal(err)
	}
	if err := rt.SetQuietWindow(ctx, "23:00", "07:00"); err != nil {
		t.Fatal(err)
	}

	// Read through a fresh Runtime as a restart would.
	rt2, err := Load(ctx, st, "alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec := rt2.Snapshot()
	if rec.Mode != store.ModeRoundRobin || rec.PerItemDelaySeconds != 30 {
		t.Fatalf("settings lost: %+v", rec)
	}
	if len(rec.Destinations) != 1 || rec.Destinations[0] != "@chan_a" {
		t.Fatalf("destinations lost: %v", rec.Destinations)
	}
	if rec.QuietStart != "23:00" || rec.QuietEnd != "07:00" {
		t.Fatalf("quiet window lost: %+v", rec)
	}
}

func TestPerItemDelayFloor(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t)
	got, err := rt.SetPerItemDelay(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != MinPerItemDelaySeconds {
		t.Fatalf("delay = %d, want floor %d", got, MinPerItemDelaySeconds)
	}
}

func TestAdvanceCursorWrapsAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rt, st, _ := newRuntime(t)
	for _, d := range []string{"A", "B", "C"} {
		if _, err := rt.AddDestination(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	want := []int{0, 1, 2, 0}
	for i, w := range want {
		got, err := rt.AdvanceCursor(ctx)
		if err != nil {
			t.Fatalf("AdvanceCursor %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("cursor %d = %d, want %d", i, got, w)
		}
	}

	rt2, err := Load(ctx, st, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if cur := rt2.Snapshot().RotationCursor; cur != 1 {
		t.Fatalf("persisted cursor = %d, want 1", cur)
	}
}

func TestQuietWindowDerivation(t *testing.T) {
	t.Parallel()
	rec := store.Record{Timezone: "UTC"}
	if _, ok := QuietWindow(rec); ok {
		t.Fatal("no window expected without config")
	}

	rec.AutoNight = true
	w, ok := QuietWindow(rec)
	if !ok {
		t.Fatal("auto-night default window expected")
	}
	if w.Start != 23*60 || w.End != 6*60 {
		t.Fatalf("default window = %s", w)
	}

	rec.QuietStart, rec.QuietEnd = "22:00", "08:30"
	w, ok = QuietWindow(rec)
	if !ok || w.Start != 22*60 || w.End != 8*60+30 {
		t.Fatalf("explicit window = %s ok=%v", w, ok)
	}
}

func TestRestingAndPlanExpiry(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	rec := store.Record{Timezone: "UTC"}
	if Resting(rec, now) {
		t.Fatal("no rest configured")
	}
	until := now.Add(10 * time.Minute)
	rec.RestUntil = &until
	if !Resting(rec, now) {
		t.Fatal("expected resting before rest_until")
	}
	if Resting(rec, until.Add(time.Second)) {
		t.Fatal("rest must lift after rest_until")
	}

	rec.PlanExpiry = "2025-03-09"
	if !PlanExpired(rec, now) {
		t.Fatal("plan expired yesterday")
	}
	rec.PlanExpiry = "2025-03-10"
	if PlanExpired(rec, now) {
		t.Fatal("plan expiring today is still active")
	}
	rec.PlanExpiry = ""
	if PlanExpired(rec, now) {
		t.Fatal("empty expiry never expires")
	}
}
