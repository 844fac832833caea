// Package store persists per-account runtime state, join queues and work
// queues. Two drivers share one contract: a dependency-free file backend
// and SQLite.
package store

import (
	"context"
	"errors"
	"strings"

	"relaybot/pkg/logx"
)

// Store is the persistence API consumed by the scheduler and resolver.
// Every Save* call must be atomic and durable before it returns: a crash
// mid-write never leaves partial state observable.
type Store interface {
	LoadAccount(ctx context.Context, name string) (Record, error)
	SaveAccount(ctx context.Context, rec Record) error
	ListAccounts(ctx context.Context) ([]string, error)

	LoadJoinQueue(ctx context.Context, account string) ([]JoinItem, error)
	SaveJoinQueue(ctx context.Context, account string, items []JoinItem) error

	LoadWorkQueue(ctx context.Context, account string) ([]WorkItem, error)
	SaveWorkQueue(ctx context.Context, account string, items []WorkItem) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
