// Package scheduler drives the per-account dispatch loop: it drains the
// persistent work queue, suppressing dispatch during rest and quiet windows,
// and fans items out to the configured destinations with pacing delays.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/account"
	"relaybot/internal/platform"
	"relaybot/internal/resolver"
	"relaybot/internal/store"
	"relaybot/pkg/logx"
)

const (
	// MaxQueue bounds the persisted work queue; overflow evicts the oldest
	// item so a stalled account cannot grow without limit.
	MaxQueue = 256

	// maxSleepChunk caps a single uninterrupted sleep so long suppression
	// waits stay responsive to commands and shutdown.
	maxSleepChunk = 30 * time.Second

	idlePoll = 15 * time.Second
)

// SleepFunc is the context-aware sleep used for all pacing delays. Tests
// substitute a recording stub.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Scheduler struct {
	client   platform.Client
	runtime  *account.Runtime
	resolver *resolver.Resolver
	st       store.Store
	log      logx.Logger

	notify *rate.Limiter
	now    func() time.Time
	sleep  SleepFunc
	randFn func(n int64) int64

	wake chan struct{}

	mu    sync.Mutex
	queue []store.WorkItem

	// one notification per hold/expiry episode, reset on recovery
	holdNotified   bool
	expiryNotified bool
}

// New builds a scheduler for one account and restores its persisted work
// queue.
func New(ctx context.Context, client platform.Client, rt *account.Runtime,
	res *resolver.Resolver, st store.Store, log logx.Logger) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	items, err := st.LoadWorkQueue(ctx, rt.Name())
	if err != nil {
		return nil, fmt.Errorf("restore work queue: %w", err)
	}
	s := &Scheduler{
		client:   client,
		runtime:  rt,
		resolver: res,
		st:       st,
		log:      log.With(logx.String("account", rt.Name())),
		notify:   rate.NewLimiter(rate.Every(3*time.Second), 5),
		now:      time.Now,
		sleep:    SleepChunked,
		randFn:   rand.Int63n,
		wake:     make(chan struct{}, 1),
		queue:    items,
	}
	return s, nil
}

// Enqueue appends a work item, evicting the oldest when the queue is full,
// and persists the queue before returning.
func (s *Scheduler) Enqueue(ctx context.Context, item store.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := append(append([]store.WorkItem(nil), s.queue...), item)
	if len(next) > MaxQueue {
		dropped := next[0]
		next = next[1:]
		s.log.Warn("work queue full, evicting oldest item",
			logx.Int("message_id", dropped.MessageID),
			logx.Time("enqueued_at", dropped.EnqueuedAt))
	}
	if err := s.st.SaveWorkQueue(ctx, s.runtime.Name(), next); err != nil {
		return err
	}
	s.queue = next

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run executes dispatch cycles until ctx is cancelled. A panicking cycle is
// recovered and followed by a randomized backoff so one bad item cannot kill
// the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("dispatch loop started", logx.Int("queued", s.QueueLen()))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, err := s.safeCycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		default:
			backoff := 30*time.Second + time.Duration(s.randFn(int64(30*time.Second)+1))
			s.log.Error("dispatch cycle failed, backing off",
				logx.Err(err), logx.Duration("backoff", backoff))
			if serr := s.sleep(ctx, backoff); serr != nil {
				return serr
			}
			continue
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch cycle panic: %v", r)
			s.log.Error("panic in dispatch cycle",
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return s.cycle(ctx)
}

// cycle processes at most one work item. It returns how long the loop should
// wait before the next cycle (0 means run again immediately).
func (s *Scheduler) cycle(ctx context.Context) (time.Duration, error) {
	item, ok := s.Peek()
	if !ok {
		return idlePoll, nil
	}

	rec := s.runtime.Snapshot()
	now := s.now()

	if account.PlanExpired(rec, now) {
		if !s.expiryNotified {
			s.expiryNotified = true
			s.notifyOwner(ctx, "plan expired: forwarding is paused until the plan is renewed")
		}
		s.log.Debug("dispatch suppressed: plan expired")
		return maxSleepChunk, nil
	}
	s.expiryNotified = false

	if account.Resting(rec, now) {
		wait := rec.RestUntil.Sub(now)
		s.log.Debug("dispatch suppressed: resting", logx.Duration("remaining", wait))
		return clampChunk(wait), nil
	}

	if w, enabled := account.QuietWindow(rec); enabled && w.Contains(now) {
		wait := time.Duration(w.SecondsUntilEnd(now)) * time.Second
		s.log.Debug("dispatch suppressed: quiet window",
			logx.String("window", w.String()), logx.Duration("remaining", wait))
		return clampChunk(wait), nil
	}

	if len(rec.Destinations) == 0 {
		if !s.holdNotified {
			s.holdNotified = true
			s.notifyOwner(ctx, "no destinations configured: items are held until one is added")
		}
		s.log.Debug("dispatch held: no destinations", logx.Int("queued", s.QueueLen()))
		return idlePoll, nil
	}
	s.holdNotified = false

	sent, failed, err := s.dispatch(ctx, rec, item)
	if err != nil {
		return 0, err
	}

	// The item is consumed after its dispatch attempt, success or not.
	if err := s.pop(ctx); err != nil {
		return 0, err
	}
	if s.notify.Allow() {
		s.notifyOwner(ctx, fmt.Sprintf("forwarded: %d sent, %d failed", sent, failed))
	}

	delay := rec.PerItemDelaySeconds
	if delay < account.MinPerItemDelaySeconds {
		delay = account.MinPerItemDelaySeconds
	}
	if err := s.sleep(ctx, time.Duration(delay)*time.Second); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *Scheduler) dispatch(ctx context.Context, rec store.Record, item store.WorkItem) (sent, failed int, err error) {
	switch rec.Mode {
	case store.ModeRoundRobin:
		return s.dispatchRoundRobin(ctx, rec, item)
	default:
		return s.dispatchBroadcast(ctx, rec, item)
	}
}

// dispatchBroadcast sends to every destination in order, sleeping the
// configured gap between consecutive destinations and re-checking
// suppression after each gap so a quiet window or rest command takes effect
// mid-item.
func (s *Scheduler) dispatchBroadcast(ctx context.Context, rec store.Record, item store.WorkItem) (sent, failed int, err error) {
	gap := time.Duration(rec.GapSeconds) * time.Second
	for i, dest := range rec.Destinations {
		if i > 0 {
			if gap > 0 {
				if err := s.sleep(ctx, gap); err != nil {
					return sent, failed, err
				}
			}
			if s.suppressed() {
				skipped := len(rec.Destinations) - i
				s.log.Info("broadcast interrupted by suppression",
					logx.Int("delivered", sent), logx.Int("skipped", skipped))
				return sent, failed + skipped, nil
			}
		}
		if err := s.sendOne(ctx, dest, item); err != nil {
			if ctx.Err() != nil {
				return sent, failed, ctx.Err()
			}
			failed++
			s.log.Warn("send failed, continuing broadcast",
				logx.String("destination", dest), logx.Err(err))
			continue
		}
		sent++
	}
	return sent, failed, nil
}

func (s *Scheduler) dispatchRoundRobin(ctx context.Context, rec store.Record, item store.WorkItem) (sent, failed int, err error) {
	idx, err := s.runtime.AdvanceCursor(ctx)
	if err != nil {
		return 0, 0, err
	}
	dest := rec.Destinations[idx%len(rec.Destinations)]
	if err := s.sendOne(ctx, dest, item); err != nil {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		s.log.Warn("round-robin send failed",
			logx.String("destination", dest), logx.Err(err))
		return 0, 1, nil
	}
	return 1, 0, nil
}

// sendOne forwards the item to a single destination. A platform rate limit
// is retried exactly once after sleeping the reported wait plus a 1-15s
// margin.
func (s *Scheduler) sendOne(ctx context.Context, descriptor string, item store.WorkItem) error {
	ent, err := s.resolver.Resolve(ctx, descriptor)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", descriptor, err)
	}
	err = s.client.SendOrForward(ctx, ent, item.ChatID, item.MessageID)
	rl, ok := platform.AsRateLimited(err)
	if !ok {
		return err
	}
	margin := time.Second + time.Duration(s.randFn(int64(14*time.Second)+1))
	s.log.Warn("rate limited on send, retrying once",
		logx.String("destination", descriptor),
		logx.Duration("wait", rl.RetryAfter), logx.Duration("margin", margin))
	if err := s.sleep(ctx, rl.RetryAfter+margin); err != nil {
		return err
	}
	return s.client.SendOrForward(ctx, ent, item.ChatID, item.MessageID)
}

// suppressed reports whether rest or quiet currently applies; used for the
// mid-broadcast re-check.
func (s *Scheduler) suppressed() bool {
	rec := s.runtime.Snapshot()
	now := s.now()
	if account.Resting(rec, now) {
		return true
	}
	if w, enabled := account.QuietWindow(rec); enabled && w.Contains(now) {
		return true
	}
	return false
}

// Peek returns the next work item without consuming it.
func (s *Scheduler) Peek() (store.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return store.WorkItem{}, false
	}
	return s.queue[0], true
}

func (s *Scheduler) pop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	rest := append([]store.WorkItem(nil), s.queue[1:]...)
	if err := s.st.SaveWorkQueue(ctx, s.runtime.Name(), rest); err != nil {
		return err
	}
	s.queue = rest
	return nil
}

func (s *Scheduler) notifyOwner(ctx context.Context, text string) {
	if err := s.client.NotifyOwner(ctx, text); err != nil {
		s.log.Debug("owner notification failed", logx.Err(err))
	}
}

func clampChunk(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	if d > maxSleepChunk {
		return maxSleepChunk
	}
	return d
}

// SleepChunked sleeps in bounded slices so cancellation is observed promptly
// even for multi-hour waits.
func SleepChunked(ctx context.Context, d time.Duration) error {
	for d > 0 {
		chunk := d
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		t := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= chunk
	}
	return ctx.Err()
}
