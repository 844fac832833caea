// Package resolver turns destination descriptors into joined, addressable
// destinations, pacing join attempts through the join-rate limiter and
// deferring throttled joins into the persistent join queue.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"relaybot/internal/account"
	"relaybot/internal/joinqueue"
	"relaybot/internal/joinrate"
	"relaybot/internal/platform"
	"relaybot/internal/store"
	"relaybot/pkg/logx"
)

// ErrFetchFailed marks a folder page that could not be retrieved.
// Non-fatal: the folder is skipped, everything else proceeds.
var ErrFetchFailed = errors.New("folder fetch failed")

// Fetcher retrieves folder/collection pages.
type Fetcher interface {
	FetchURL(ctx context.Context, url string) (string, error)
}

// HTTPFetcher is the default Fetcher.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 20 * time.Second}}
}

func (f *HTTPFetcher) FetchURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return string(body), nil
}

// Result aggregates the outcome of an add operation.
type Result struct {
	Added    int // destinations joined and persisted
	Deferred int // joins parked in the persistent queue for later pacing
	Failed   int // rejected/invalid items, dropped
}

func (r Result) String() string {
	return fmt.Sprintf("%d added, %d deferred, %d failed", r.Added, r.Deferred, r.Failed)
}

type Resolver struct {
	client  platform.Client
	runtime *account.Runtime
	limiter *joinrate.Limiter
	queue   *joinqueue.Queue
	fetch   Fetcher
	log     logx.Logger
	now     func() time.Time
	randFn  func(n int64) int64
	sleep   func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	cache      map[string]platform.Entity // canonical descriptor -> entity
	nextJoinAt time.Time                  // jitter gate between consecutive joins
	holdUntil  time.Time                  // platform-reported wait after a rate limit
}

func New(client platform.Client, rt *account.Runtime, limiter *joinrate.Limiter,
	queue *joinqueue.Queue, fetch Fetcher, log logx.Logger) *Resolver {
	if fetch == nil {
		fetch = NewHTTPFetcher()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		client:  client,
		runtime: rt,
		limiter: limiter,
		queue:   queue,
		fetch:   fetch,
		log:     log,
		now:     time.Now,
		randFn:  rand.Int63n,
		sleep:   sleepCtx,
		cache:   map[string]platform.Entity{},
	}
}

// Add resolves one raw descriptor. Folder URLs expand into their embedded
// invites and handles, each resolved independently.
func (r *Resolver) Add(ctx context.Context, raw string) (Result, error) {
	if !r.runtime.HasCapacity() {
		return Result{}, account.ErrCapacity
	}
	d, err := ParseDescriptor(raw)
	if err != nil {
		return Result{}, err
	}
	if d.Kind != KindFolder {
		return r.addOne(ctx, d)
	}

	html, err := r.fetch.FetchURL(ctx, d.Value)
	if err != nil {
		r.log.Warn("folder fetch failed", logx.String("url", d.Value), logx.Err(err))
		return Result{}, err
	}
	invites, handles := extractFolderLinks(html)
	if len(invites) == 0 && len(handles) == 0 {
		return Result{}, fmt.Errorf("%w: no joinable links on page", ErrInvalidDescriptor)
	}

	var total Result
	all := make([]Descriptor, 0, len(invites)+len(handles))
	for _, h := range invites {
		all = append(all, Descriptor{Kind: KindInvite, Value: h})
	}
	for _, u := range handles {
		all = append(all, Descriptor{Kind: KindHandle, Value: u})
	}
	for i, sub := range all {
		res, err := r.addOne(ctx, sub)
		if errors.Is(err, account.ErrCapacity) {
			total.Failed += len(all) - i
			break
		}
		total = total.merge(res, err)
	}
	return total, nil
}

func (t Result) merge(r Result, err error) Result {
	t.Added += r.Added
	t.Deferred += r.Deferred
	t.Failed += r.Failed
	if err != nil && r == (Result{}) {
		t.Failed++
	}
	return t
}

// addOne resolves a single non-folder descriptor.
func (r *Resolver) addOne(ctx context.Context, d Descriptor) (Result, error) {
	if !r.runtime.HasCapacity() {
		return Result{}, account.ErrCapacity
	}

	// Joins are paced; a throttled item is deferred, not failed.
	if d.Kind != KindNumericID {
		if !r.limiter.CanJoinNow() || r.holding() {
			return r.deferJoin(ctx, d)
		}
		// Randomized delay between consecutive join attempts.
		if wait := r.jitterWait(); wait > 0 {
			if err := r.sleep(ctx, wait); err != nil {
				return Result{}, err
			}
		}
	}

	outcome, err := r.join(ctx, d)
	switch {
	case err == nil:
		// no-op
	case errors.Is(err, platform.ErrRejected), errors.Is(err, platform.ErrNotFound):
		r.log.Warn("destination rejected",
			logx.String("kind", d.Kind.String()), logx.String("value", d.Value), logx.Err(err))
		return Result{Failed: 1}, err
	default:
		if rl, ok := platform.AsRateLimited(err); ok {
			r.holdFor(rl.RetryAfter)
			r.log.Warn("join rate limited by platform, deferring",
				logx.String("value", d.Value), logx.Err(err))
			return r.deferJoin(ctx, d)
		}
		return Result{Failed: 1}, err
	}

	if !outcome.AlreadyMember {
		r.recordJoin()
	}

	canonical := d.Canonical()
	added, err := r.runtime.AddDestination(ctx, canonical)
	if err != nil {
		return Result{}, err
	}
	r.mu.Lock()
	r.cache[canonical] = outcome.Entity
	r.mu.Unlock()
	if !added {
		// Already configured; still a success for the caller.
		return Result{}, nil
	}
	r.log.Info("destination added",
		logx.String("descriptor", canonical), logx.Int64("entity", outcome.Entity.ID))
	return Result{Added: 1}, nil
}

func (r *Resolver) join(ctx context.Context, d Descriptor) (platform.JoinOutcome, error) {
	switch d.Kind {
	case KindInvite:
		return r.client.ImportInvite(ctx, d.Value)
	case KindHandle:
		ent, err := r.client.ResolveEntity(ctx, d.Value)
		if err != nil {
			return platform.JoinOutcome{}, err
		}
		return r.client.JoinEntity(ctx, ent)
	case KindNumericID:
		// A bare id can only be looked up, not joined.
		ent, err := r.client.ResolveEntity(ctx, d.Value)
		if err != nil {
			return platform.JoinOutcome{}, err
		}
		return platform.JoinOutcome{Entity: ent, AlreadyMember: true}, nil
	default:
		return platform.JoinOutcome{}, fmt.Errorf("%w: kind %v", ErrInvalidDescriptor, d.Kind)
	}
}

// recordJoin charges the hourly budget and arms the jitter gate so the
// next join attempt waits out the inter-join delay.
func (r *Resolver) recordJoin() {
	at := r.now()
	r.limiter.RecordJoin(at)
	r.mu.Lock()
	r.nextJoinAt = at.Add(r.limiter.NextAllowedDelay())
	r.mu.Unlock()
}

// jitterWait returns how long to pause before the next join attempt.
func (r *Resolver) jitterWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextJoinAt.Sub(r.now())
}

// holdFor records a platform-reported wait plus a 1-15s margin; no join
// is attempted until it elapses. The failed attempt does not charge the
// hourly budget.
func (r *Resolver) holdFor(retryAfter time.Duration) {
	margin := time.Second + time.Duration(r.randFn(int64(14*time.Second)+1))
	until := r.now().Add(retryAfter + margin)
	r.mu.Lock()
	if until.After(r.holdUntil) {
		r.holdUntil = until
	}
	r.mu.Unlock()
}

// holding reports whether a platform-reported wait is still running.
func (r *Resolver) holding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Before(r.holdUntil)
}

func (r *Resolver) deferJoin(ctx context.Context, d Descriptor) (Result, error) {
	kind := store.KindInvite
	switch d.Kind {
	case KindHandle:
		kind = store.KindHandle
	case KindNumericID:
		kind = store.KindNumericID
	}
	if _, err := r.queue.Enqueue(ctx, kind, d.Value); err != nil {
		return Result{}, err
	}
	return Result{Deferred: 1}, nil
}

// Remove drops a destination and forgets its cached entity.
func (r *Resolver) Remove(ctx context.Context, descriptor string) (bool, error) {
	descriptor = strings.TrimSpace(descriptor)
	removed, err := r.runtime.RemoveDestination(ctx, descriptor)
	if err != nil {
		return false, err
	}
	if removed {
		r.mu.Lock()
		delete(r.cache, descriptor)
		r.mu.Unlock()
	}
	return removed, nil
}

// Resolve returns the addressable entity for a configured destination,
// consulting the in-memory cache before hitting the platform.
func (r *Resolver) Resolve(ctx context.Context, descriptor string) (platform.Entity, error) {
	r.mu.Lock()
	if ent, ok := r.cache[descriptor]; ok {
		r.mu.Unlock()
		return ent, nil
	}
	r.mu.Unlock()

	d, err := ParseDescriptor(descriptor)
	if err != nil {
		return platform.Entity{}, err
	}
	if d.Kind == KindFolder {
		return platform.Entity{}, fmt.Errorf("%w: folder %q is not a single destination",
			ErrInvalidDescriptor, descriptor)
	}

	var ent platform.Entity
	if d.Kind == KindInvite {
		// Private chats have no public address; after a restart the only
		// way back to the entity is through the invite itself. Re-importing
		// an invite the account already accepted is reported as a no-op.
		outcome, err := r.join(ctx, d)
		if err != nil {
			return platform.Entity{}, err
		}
		if !outcome.AlreadyMember {
			r.recordJoin()
		}
		ent = outcome.Entity
	} else {
		ent, err = r.client.ResolveEntity(ctx, d.Value)
		if err != nil {
			return platform.Entity{}, err
		}
	}
	r.mu.Lock()
	r.cache[descriptor] = ent
	r.mu.Unlock()
	return ent, nil
}

// DrainQueue processes pending joins until the queue empties, the limiter
// runs out of budget, a platform-reported wait is pending, or ctx is
// cancelled. Inter-join jitter is applied inside the per-item join path.
func (r *Resolver) DrainQueue(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.queue.Size() == 0 {
			return nil
		}
		if !r.limiter.CanJoinNow() {
			r.log.Debug("join budget exhausted, drain deferred",
				logx.Int("pending", r.queue.Size()))
			return nil
		}
		if r.holding() {
			r.log.Debug("platform wait pending, drain deferred",
				logx.Int("pending", r.queue.Size()))
			return nil
		}
		item, ok, err := r.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		d := descriptorFromItem(item)
		if _, err := r.addOne(ctx, d); err != nil && errors.Is(err, account.ErrCapacity) {
			// Put it back; capacity may free up after removals.
			_, _ = r.queue.Enqueue(ctx, item.Kind, item.Value)
			return err
		}
	}
}

func descriptorFromItem(it store.JoinItem) Descriptor {
	switch it.Kind {
	case store.KindHandle:
		return Descriptor{Kind: KindHandle, Value: it.Value}
	case store.KindNumericID:
		return Descriptor{Kind: KindNumericID, Value: it.Value}
	default:
		return Descriptor{Kind: KindInvite, Value: it.Value}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
