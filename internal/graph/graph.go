// Package graph implements session management on top of the session store:
// cloning and forking, fork-family edits, sharing between users, deletion
// and the paged session listing.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/session"
)

// ErrNotOwned is returned when the caller does not own the session.
var ErrNotOwned = errors.New("session not owned by user")

// PendingID is returned by CloneSession when the clone is staged for the
// next turn rather than created immediately.
const PendingID = "pending"

const untitled = "New Conversation"

// Remote is the agent CLI's own session store.
type Remote interface {
	ListSessions(ctx context.Context) ([]agent.RemoteSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// Forker copies a session transcript up to a message index.
type Forker interface {
	Fork(ctx context.Context, id, newID string, messageIndex int) (string, error)
}

// UserDirectory answers whether a username exists.
type UserDirectory interface {
	Exists(ctx context.Context, username string) (bool, error)
}

type Service struct {
	store  session.Store
	remote Remote
	forker Forker
	users  UserDirectory
	log    *slog.Logger
	newID  func() string
}

func New(store session.Store, remote Remote, forker Forker, users UserDirectory, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		remote: remote,
		forker: forker,
		users:  users,
		log:    log.With(slog.String("component", "graph")),
		newID:  uuid.NewString,
	}
}

// update runs fn on the user's record after checking that id is owned.
func (s *Service) update(ctx context.Context, user, id string, fn func(*session.Record) error) error {
	return s.store.Update(ctx, user, func(rec *session.Record) error {
		if !rec.Owns(id) {
			return fmt.Errorf("%w: %s", ErrNotOwned, id)
		}
		return fn(rec)
	})
}

// owned loads the user's record and checks that id is in it.
func (s *Service) owned(ctx context.Context, user, id string) (*session.Record, error) {
	rec, err := s.store.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	if !rec.Owns(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotOwned, id)
	}
	return rec, nil
}

// family is the fork component of id restricted to sessions rec owns.
func family(rec *session.Record, id string) []string {
	var out []string
	for _, m := range session.NewForest(rec.SessionForks).Component(id) {
		if rec.Owns(m) {
			out = append(out, m)
		}
	}
	return out
}

func displayTitle(rec *session.Record, id string) string {
	if t := strings.TrimSpace(rec.Title(id)); t != "" {
		return t
	}
	return untitled
}
