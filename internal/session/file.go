package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// FileStore keeps one JSON document per user in a directory. Writers are
// serialized in-process by a mutex and across processes by an advisory lock
// on dir/.lock; documents are replaced by atomic rename.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(user string) string {
	return filepath.Join(s.dir, url.PathEscape(user)+".json")
}

func (s *FileStore) read(user string) (*Record, []byte, error) {
	data, err := os.ReadFile(s.path(user))
	if errors.Is(err, fs.ErrNotExist) {
		return NewRecord(), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read record %s: %w", user, err)
	}
	rec := NewRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, nil, fmt.Errorf("decode record %s: %w", user, err)
	}
	return rec, data, nil
}

func (s *FileStore) write(user string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("write record %s: %w", user, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record %s: %w", user, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync record %s: %w", user, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write record %s: %w", user, err)
	}
	if err := os.Rename(tmp.Name(), s.path(user)); err != nil {
		return fmt.Errorf("replace record %s: %w", user, err)
	}
	return nil
}

func (s *FileStore) lock() (func(), error) {
	s.mu.Lock()
	unlock, err := lockFile(filepath.Join(s.dir, ".lock"))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		unlock()
		s.mu.Unlock()
	}, nil
}

func (s *FileStore) Get(ctx context.Context, user string) (*Record, error) {
	if user == "" {
		return nil, ErrNoUser
	}
	rec, _, err := s.read(user)
	return rec, err
}

func (s *FileStore) Update(ctx context.Context, user string, fn func(*Record) error) error {
	return s.UpdateMany(ctx, []string{user}, func(recs map[string]*Record) error {
		return fn(recs[user])
	})
}

// UpdateMany writes each changed document in turn. A crash midway can leave
// some users updated and others not; each document on its own stays whole.
func (s *FileStore) UpdateMany(ctx context.Context, users []string, fn func(map[string]*Record) error) error {
	users, err := uniqueUsers(users)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	recs := make(map[string]*Record, len(users))
	before := make(map[string][]byte, len(users))
	for _, u := range users {
		rec, data, err := s.read(u)
		if err != nil {
			return err
		}
		recs[u] = rec
		before[u] = data
	}
	if err := fn(recs); err != nil {
		return err
	}
	for _, u := range users {
		rec := recs[u]
		rec.normalize()
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encode record %s: %w", u, err)
		}
		if string(data) == string(before[u]) {
			continue
		}
		if err := s.write(u, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Users(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var users []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		user, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		users = append(users, user)
	}
	slices.Sort(users)
	return users, nil
}

func (s *FileStore) Referencing(ctx context.Context, id string) ([]string, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, u := range users {
		rec, _, err := s.read(u)
		if err != nil {
			return nil, err
		}
		if rec.Owns(id) {
			out = append(out, u)
		}
	}
	return out, nil
}
