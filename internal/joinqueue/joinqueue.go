// Package joinqueue is a durable FIFO of pending join requests,
// deduplicated by (kind, value) and persisted on every mutation.
package joinqueue

import (
	"context"
	"sync"

	"relaybot/internal/store"
)

type Queue struct {
	mu      sync.Mutex
	st      store.Store
	account string
	items   []store.JoinItem
}

// Open loads the persisted queue for an account. A missing queue is empty.
func Open(ctx context.Context, st store.Store, account string) (*Queue, error) {
	items, err := st.LoadJoinQueue(ctx, account)
	if err != nil {
		return nil, err
	}
	return &Queue{st: st, account: account, items: items}, nil
}

// EnqueueMany appends the genuinely new items (set-union over the currently
// queued ones) and reports how many were added. The queue is persisted
// before returning.
func (q *Queue) EnqueueMany(ctx context.Context, items []store.JoinItem) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[store.JoinItem]struct{}, len(q.items))
	for _, it := range q.items {
		seen[it] = struct{}{}
	}
	added := 0
	for _, it := range items {
		if it.Value == "" {
			continue
		}
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		q.items = append(q.items, it)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := q.st.SaveJoinQueue(ctx, q.account, q.items); err != nil {
		// Roll back the in-memory tail so memory and disk stay in sync.
		q.items = q.items[:len(q.items)-added]
		return 0, err
	}
	return added, nil
}

// Enqueue adds one item; reports whether it was genuinely new.
func (q *Queue) Enqueue(ctx context.Context, kind store.JoinKind, value string) (bool, error) {
	n, err := q.EnqueueMany(ctx, []store.JoinItem{{Kind: kind, Value: value}})
	return n > 0, err
}

// Dequeue removes and returns the earliest-enqueued item. ok is false when
// the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (item store.JoinItem, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return store.JoinItem{}, false, nil
	}
	head := q.items[0]
	rest := append([]store.JoinItem(nil), q.items[1:]...)
	if err := q.st.SaveJoinQueue(ctx, q.account, rest); err != nil {
		return store.JoinItem{}, false, err
	}
	q.items = rest
	return head, true, nil
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
