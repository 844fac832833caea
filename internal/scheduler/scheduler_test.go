package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaybot/internal/account"
	"relaybot/internal/platform"
	"relaybot/internal/resolver"
	"relaybot/internal/store"
	"relaybot/pkg/logx"
)

type fakeClient struct {
	mu          sync.Mutex
	sends       []string // destination usernames, in send order
	sendErrs    map[string][]error
	notices     []string
	nextID      int64
	entityNames map[int64]string
}

func (f *fakeClient) ResolveEntity(ctx context.Context, descriptor string) (platform.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.entityNames == nil {
		f.entityNames = map[int64]string{}
	}
	f.entityNames[f.nextID] = descriptor
	return platform.Entity{ID: f.nextID, Username: descriptor}, nil
}

func (f *fakeClient) JoinEntity(ctx context.Context, ent platform.Entity) (platform.JoinOutcome, error) {
	return platform.JoinOutcome{Entity: ent, AlreadyMember: true}, nil
}

func (f *fakeClient) ImportInvite(ctx context.Context, hash string) (platform.JoinOutcome, error) {
	return platform.JoinOutcome{}, platform.ErrRejected
}

func (f *fakeClient) SendOrForward(ctx context.Context, dest platform.Entity, srcChatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.sendErrs[dest.Username]; len(errs) > 0 {
		err := errs[0]
		f.sendErrs[dest.Username] = errs[1:]
		if err != nil {
			return err
		}
	}
	f.sends = append(f.sends, dest.Username)
	return nil
}

func (f *fakeClient) NotifyOwner(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return nil
}

func (f *fakeClient) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *fakeClient) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

type sleepRecorder struct {
	mu     sync.Mutex
	slept  []time.Duration
	onCall func(n int, d time.Duration)
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	n := len(r.slept)
	r.slept = append(r.slept, d)
	cb := r.onCall
	r.mu.Unlock()
	if cb != nil {
		cb(n, d)
	}
	return ctx.Err()
}

func (r *sleepRecorder) durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

type fixture struct {
	client  *fakeClient
	runtime *account.Runtime
	st      store.Store
	sched   *Scheduler
	sleeps  *sleepRecorder
	nowAt   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(store.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rt, err := account.New(ctx, st, store.Record{Name: "alice", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("account.New: %v", err)
	}
	fc := &fakeClient{}
	fx := &fixture{
		client:  fc,
		runtime: rt,
		st:      st,
		sleeps:  &sleepRecorder{},
		nowAt:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	fx.sched = fx.newScheduler(t, rt)
	return fx
}

// newScheduler builds a scheduler against the fixture's store, used both for
// the initial instance and for simulated restarts.
func (fx *fixture) newScheduler(t *testing.T, rt *account.Runtime) *Scheduler {
	t.Helper()
	res := resolver.New(fx.client, rt, nil, nil, nil, logx.Nop())
	s, err := New(context.Background(), fx.client, rt, res, fx.st, logx.Nop())
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	s.sleep = fx.sleeps.sleep
	s.now = func() time.Time { return fx.nowAt }
	s.randFn = func(int64) int64 { return 0 }
	return s
}

func (fx *fixture) addDestinations(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := fx.runtime.AddDestination(context.Background(), n); err != nil {
			t.Fatalf("AddDestination(%q): %v", n, err)
		}
	}
}

func (fx *fixture) enqueueItems(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		item := store.WorkItem{ChatID: 7, MessageID: 100 + i, EnqueuedAt: fx.nowAt}
		if err := fx.sched.Enqueue(context.Background(), item); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

func TestBroadcastSendsToAllWithGaps(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a", "@chan_b", "@chan_c")
	if err := fx.runtime.SetGap(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	fx.enqueueItems(t, 1)

	if _, err := fx.sched.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	want := []string{"@chan_a", "@chan_b", "@chan_c"}
	got := fx.client.sentTo()
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("sends = %v, want %v", got, want)
	}

	// Exactly two 7s gap sleeps (between a-b and b-c, none after c), then
	// the per-item delay at the 5s floor.
	gaps := 0
	for _, d := range fx.sleeps.durations() {
		if d == 7*time.Second {
			gaps++
		}
	}
	if gaps != 2 {
		t.Fatalf("gap sleeps = %d (%v), want 2", gaps, fx.sleeps.durations())
	}
	if last := fx.sleeps.durations(); last[len(last)-1] != 5*time.Second {
		t.Fatalf("per-item delay = %v, want 5s floor", last[len(last)-1])
	}
	if fx.sched.QueueLen() != 0 {
		t.Fatal("item must be consumed after dispatch")
	}
}

func TestBroadcastContinuesPastFailedSend(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a", "@chan_b", "@chan_c")
	fx.client.sendErrs = map[string][]error{"@chan_b": {fmt.Errorf("kicked")}}
	fx.enqueueItems(t, 1)

	if _, err := fx.sched.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := fx.client.sentTo()
	if len(got) != 2 || got[0] != "@chan_a" || got[1] != "@chan_c" {
		t.Fatalf("sends = %v, want a and c only", got)
	}
	if fx.sched.QueueLen() != 0 {
		t.Fatal("partial delivery still consumes the item")
	}
}

func TestRoundRobinRotatesAndSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a", "@chan_b", "@chan_c")
	if err := fx.runtime.SetMode(ctx, store.ModeRoundRobin); err != nil {
		t.Fatal(err)
	}
	fx.enqueueItems(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := fx.sched.cycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	got := fx.client.sentTo()
	if len(got) != 2 || got[0] != "@chan_a" || got[1] != "@chan_b" {
		t.Fatalf("sends = %v, want [a b]", got)
	}

	// Simulated restart: reload the account and queue from the store. The
	// rotation must resume at c, not wrap back to a.
	rt2, err := account.Load(ctx, fx.st, "alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fx.runtime = rt2
	sched2 := fx.newScheduler(t, rt2)
	if err := sched2.Enqueue(ctx, store.WorkItem{ChatID: 7, MessageID: 300, EnqueuedAt: fx.nowAt}); err != nil {
		t.Fatal(err)
	}
	if _, err := sched2.cycle(ctx); err != nil {
		t.Fatalf("cycle after restart: %v", err)
	}
	got = fx.client.sentTo()
	if got[len(got)-1] != "@chan_c" {
		t.Fatalf("post-restart send = %q, want @chan_c", got[len(got)-1])
	}
}

func TestRoundRobinAdvancesCursorOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a", "@chan_b")
	if err := fx.runtime.SetMode(ctx, store.ModeRoundRobin); err != nil {
		t.Fatal(err)
	}
	fx.client.sendErrs = map[string][]error{"@chan_a": {fmt.Errorf("kicked")}}
	fx.enqueueItems(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := fx.sched.cycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	got := fx.client.sentTo()
	if len(got) != 1 || got[0] != "@chan_b" {
		t.Fatalf("sends = %v, want failed a skipped and b next", got)
	}
}

func TestRestSuppressesThenResumes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a")
	until := fx.nowAt.Add(10 * time.Minute)
	if err := fx.runtime.Rest(ctx, &until); err != nil {
		t.Fatal(err)
	}
	fx.enqueueItems(t, 1)

	wait, err := fx.sched.cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if wait <= 0 || wait > maxSleepChunk {
		t.Fatalf("suppression wait = %v, want chunked positive wait", wait)
	}
	if len(fx.client.sentTo()) != 0 {
		t.Fatal("no sends expected while resting")
	}
	if fx.sched.QueueLen() != 1 {
		t.Fatal("item must stay queued through rest")
	}

	// Rest lifts on its own once the deadline passes.
	fx.nowAt = until.Add(time.Second)
	if _, err := fx.sched.cycle(ctx); err != nil {
		t.Fatalf("cycle after rest: %v", err)
	}
	if len(fx.client.sentTo()) != 1 {
		t.Fatal("dispatch must resume after rest_until")
	}
}

func TestQuietWindowSuppressesDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a")
	if err := fx.runtime.SetQuietWindow(ctx, "11:00", "13:00"); err != nil {
		t.Fatal(err)
	}
	fx.enqueueItems(t, 1)

	wait, err := fx.sched.cycle(ctx) // nowAt is 12:00 UTC
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if wait <= 0 {
		t.Fatalf("wait = %v, want positive", wait)
	}
	if len(fx.client.sentTo()) != 0 || fx.sched.QueueLen() != 1 {
		t.Fatal("quiet window must hold the item unsent")
	}

	fx.nowAt = time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)
	if _, err := fx.sched.cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fx.client.sentTo()) != 1 {
		t.Fatal("dispatch must resume at window end")
	}
}

func TestMidBroadcastSuppressionStopsRemainingSends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a", "@chan_b", "@chan_c")
	if err := fx.runtime.SetGap(ctx, 7); err != nil {
		t.Fatal(err)
	}
	// A rest command lands during the first inter-destination gap.
	fx.sleeps.onCall = func(n int, d time.Duration) {
		if n == 0 {
			until := fx.nowAt.Add(time.Hour)
			if err := fx.runtime.Rest(ctx, &until); err != nil {
				t.Errorf("Rest: %v", err)
			}
		}
	}
	fx.enqueueItems(t, 1)

	if _, err := fx.sched.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := fx.client.sentTo(); len(got) != 1 || got[0] != "@chan_a" {
		t.Fatalf("sends = %v, want only @chan_a before suppression", got)
	}
	if fx.sched.QueueLen() != 0 {
		t.Fatal("interrupted item is still consumed, not requeued")
	}
}

func TestEmptyDestinationsHoldsAndNotifiesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.enqueueItems(t, 1)

	for i := 0; i < 3; i++ {
		if _, err := fx.sched.cycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if fx.sched.QueueLen() != 1 {
		t.Fatal("item must be held, not dropped")
	}
	if n := fx.client.noticeCount(); n != 1 {
		t.Fatalf("owner notices = %d, want exactly 1 per hold episode", n)
	}
}

func TestRateLimitedSendRetriesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a")
	fx.client.sendErrs = map[string][]error{
		"@chan_a": {&platform.RateLimitedError{RetryAfter: 20 * time.Second}},
	}
	fx.enqueueItems(t, 1)

	if _, err := fx.sched.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := fx.client.sentTo(); len(got) != 1 || got[0] != "@chan_a" {
		t.Fatalf("sends = %v, want retry to succeed", got)
	}
	// randFn is pinned to 0, so the backoff is exactly wait + 1s margin.
	found := false
	for _, d := range fx.sleeps.durations() {
		if d == 21*time.Second {
			found = true
		}
	}
	if !found {
		t.Fatalf("sleeps = %v, want 21s rate-limit backoff", fx.sleeps.durations())
	}
}

func TestPlanExpirySuppressesDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.addDestinations(t, "@chan_a")

	rec := fx.runtime.Snapshot()
	rec.PlanExpiry = "2025-03-09" // yesterday relative to nowAt
	if err := fx.st.SaveAccount(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rt2, err := account.Load(ctx, fx.st, "alice")
	if err != nil {
		t.Fatal(err)
	}
	fx.runtime = rt2
	sched2 := fx.newScheduler(t, rt2)
	if err := sched2.Enqueue(ctx, store.WorkItem{ChatID: 7, MessageID: 1, EnqueuedAt: fx.nowAt}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := sched2.cycle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(fx.client.sentTo()) != 0 {
		t.Fatal("expired plan must suppress dispatch")
	}
	if n := fx.client.noticeCount(); n != 1 {
		t.Fatalf("expiry notices = %d, want 1", n)
	}
}

func TestQueueBoundEvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)

	for i := 0; i < MaxQueue+1; i++ {
		item := store.WorkItem{ChatID: 7, MessageID: i, EnqueuedAt: fx.nowAt}
		if err := fx.sched.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if n := fx.sched.QueueLen(); n != MaxQueue {
		t.Fatalf("QueueLen = %d, want %d", n, MaxQueue)
	}
	head, ok := fx.sched.Peek()
	if !ok || head.MessageID != 1 {
		t.Fatalf("head = %+v, want oldest item evicted", head)
	}
}

func TestWorkQueueSurvivesRestart(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.enqueueItems(t, 2)

	sched2 := fx.newScheduler(t, fx.runtime)
	if n := sched2.QueueLen(); n != 2 {
		t.Fatalf("restored QueueLen = %d, want 2", n)
	}
}
