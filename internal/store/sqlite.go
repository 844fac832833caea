package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadAccount(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, token, owner_id, plan_expiry, destinations, per_item_delay,
		        gap_seconds, mode, rotation_cursor, quiet_start, quiet_end,
		        timezone, auto_night, rest_until
		 FROM accounts WHERE name = ?`, name)

	var rec Record
	var dests, mode, restUntil string
	var autoNight int
	err := row.Scan(&rec.Name, &rec.Token, &rec.OwnerID, &rec.PlanExpiry, &dests,
		&rec.PerItemDelaySeconds, &rec.GapSeconds, &mode, &rec.RotationCursor,
		&rec.QuietStart, &rec.QuietEnd, &rec.Timezone, &autoNight, &restUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Mode = Mode(mode)
	rec.AutoNight = autoNight != 0
	if err := json.Unmarshal([]byte(dests), &rec.Destinations); err != nil {
		return Record{}, fmt.Errorf("account %s: bad destinations column: %w", name, err)
	}
	if restUntil != "" {
		t, err := time.Parse(time.RFC3339Nano, restUntil)
		if err != nil {
			return Record{}, fmt.Errorf("account %s: bad rest_until column: %w", name, err)
		}
		rec.RestUntil = &t
	}
	return rec, nil
}

func (s *sqliteStore) SaveAccount(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Name) == "" {
		return errors.New("account name is empty")
	}
	dests, err := json.Marshal(rec.Destinations)
	if err != nil {
		return err
	}
	autoNight := 0
	if rec.AutoNight {
		autoNight = 1
	}
	restUntil := ""
	if rec.RestUntil != nil {
		restUntil = rec.RestUntil.Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts(name, token, owner_id, plan_expiry, destinations,
		                      per_item_delay, gap_seconds, mode, rotation_cursor,
		                      quiet_start, quiet_end, timezone, auto_night, rest_until)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   token=excluded.token, owner_id=excluded.owner_id,
		   plan_expiry=excluded.plan_expiry, destinations=excluded.destinations,
		   per_item_delay=excluded.per_item_delay, gap_seconds=excluded.gap_seconds,
		   mode=excluded.mode, rotation_cursor=excluded.rotation_cursor,
		   quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
		   timezone=excluded.timezone, auto_night=excluded.auto_night,
		   rest_until=excluded.rest_until`,
		rec.Name, rec.Token, rec.OwnerID, rec.PlanExpiry, string(dests),
		rec.PerItemDelaySeconds, rec.GapSeconds, string(rec.Mode), rec.RotationCursor,
		rec.QuietStart, rec.QuietEnd, rec.Timezone, autoNight, restUntil)
	return err
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *sqliteStore) LoadJoinQueue(ctx context.Context, account string) ([]JoinItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, value FROM join_queue WHERE account = ? ORDER BY seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []JoinItem
	for rows.Next() {
		var it JoinItem
		var kind string
		if err := rows.Scan(&kind, &it.Value); err != nil {
			return nil, err
		}
		it.Kind = JoinKind(kind)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *sqliteStore) SaveJoinQueue(ctx context.Context, account string, items []JoinItem) error {
	return s.replaceQueue(ctx, "join_queue", account, func(tx *sql.Tx) error {
		for _, it := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO join_queue(account, kind, value) VALUES(?,?,?)`,
				account, string(it.Kind), it.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) LoadWorkQueue(ctx context.Context, account string) ([]WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id, enqueued_at FROM work_queue WHERE account = ? ORDER BY seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WorkItem
	for rows.Next() {
		var it WorkItem
		var at string
		if err := rows.Scan(&it.ChatID, &it.MessageID, &at); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			it.EnqueuedAt = t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *sqliteStore) SaveWorkQueue(ctx context.Context, account string, items []WorkItem) error {
	return s.replaceQueue(ctx, "work_queue", account, func(tx *sql.Tx) error {
		for _, it := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO work_queue(account, chat_id, message_id, enqueued_at) VALUES(?,?,?,?)`,
				account, it.ChatID, it.MessageID, it.EnqueuedAt.Format(time.RFC3339Nano)); err != nil {
				return err
			}
		}
		return nil
	})
}

// replaceQueue swaps a per-account queue inside one transaction so readers
// never observe a half-written queue.
func (s *sqliteStore) replaceQueue(ctx context.Context, table, account string, insert func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE account = ?`, account); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insert(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
