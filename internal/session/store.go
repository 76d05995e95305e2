package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoUser          = errors.New("user id required")
)

// Store owns every Record. Mutations are read-modify-write transactions: fn
// sees the current record and its changes are persisted only if it returns
// nil. Records for unknown users start from NewRecord.
type Store interface {
	// Get returns a copy of the user's record.
	Get(ctx context.Context, user string) (*Record, error)
	Update(ctx context.Context, user string, fn func(*Record) error) error
	// UpdateMany runs fn over several users' records atomically.
	UpdateMany(ctx context.Context, users []string, fn func(map[string]*Record) error) error
	// Referencing lists users whose sessions include id.
	Referencing(ctx context.Context, id string) ([]string, error)
	Users(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Open creates the configured store under dataDir: sqlite uses
// dataDir/sessions.db, file uses dataDir/sessions/.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", BackendSQLite:
		return OpenSQLite(filepath.Join(dataDir, "sessions.db"))
	case BackendFile:
		return OpenFile(filepath.Join(dataDir, "sessions"))
	default:
		return nil, fmt.Errorf("unknown session store backend %q", backend)
	}
}

func uniqueUsers(users []string) ([]string, error) {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" {
			return nil, ErrNoUser
		}
		if !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return out, nil
}
