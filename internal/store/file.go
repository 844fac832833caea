package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"relaybot/pkg/logx"
)

// fileStore keeps one JSON document per account plus sidecar files for the
// two queues:
//
//   - <dir>/<name>.json           (account record)
//   - <dir>/<name>.joinqueue.json (pending joins)
//   - <dir>/<name>.outbox.json    (pending work items)
//
// All writes go through temp-write + rename so a crash mid-write leaves the
// previous state intact.
type fileStore struct {
	log logx.Logger
	dir string
	mu  sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) accountPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *fileStore) LoadAccount(ctx context.Context, name string) (Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec Record
	if err := readJSON(s.accountPath(name), &rec); err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if rec.Name == "" {
		rec.Name = name
	}
	return rec, nil
}

func (s *fileStore) SaveAccount(ctx context.Context, rec Record) error {
	_ = ctx
	if strings.TrimSpace(rec.Name) == "" {
		return errors.New("account name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.accountPath(rec.Name), rec)
}

func (s *fileStore) ListAccounts(ctx context.Context) ([]string, error) {
	_ = ctx
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := e.Name()
		if !strings.HasSuffix(base, ".json") {
			continue
		}
		// Queue sidecars carry a fixed extra suffix; account names may
		// themselves contain dots.
		if strings.HasSuffix(base, ".joinqueue.json") || strings.HasSuffix(base, ".outbox.json") {
			continue
		}
		names = append(names, strings.TrimSuffix(base, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

type joinQueueDoc struct {
	Items []JoinItem `json:"items"`
}

type workQueueDoc struct {
	Items []WorkItem `json:"items"`
}

func (s *fileStore) joinQueuePath(account string) string {
	return filepath.Join(s.dir, account+".joinqueue.json")
}

func (s *fileStore) workQueuePath(account string) string {
	return filepath.Join(s.dir, account+".outbox.json")
}

func (s *fileStore) LoadJoinQueue(ctx context.Context, account string) ([]JoinItem, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc joinQueueDoc
	if err := readJSON(s.joinQueuePath(account), &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Items, nil
}

func (s *fileStore) SaveJoinQueue(ctx context.Context, account string, items []JoinItem) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.joinQueuePath(account), joinQueueDoc{Items: items})
}

func (s *fileStore) LoadWorkQueue(ctx context.Context, account string) ([]WorkItem, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc workQueueDoc
	if err := readJSON(s.workQueuePath(account), &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Items, nil
}

func (s *fileStore) SaveWorkQueue(ctx context.Context, account string, items []WorkItem) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.workQueuePath(account), workQueueDoc{Items: items})
}

func readJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
