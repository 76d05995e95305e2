package graph

import (
	"context"
	"slices"

	"github.com/ehrlich-b/clichat/internal/metrics"
	"github.com/ehrlich-b/clichat/internal/session"
)

type ListOptions struct {
	// Limit caps the history entries returned; zero means no cap.
	Limit  int
	Offset int
	// Tags filters to sessions carrying every listed tag.
	Tags []string
}

// Entry is one row of the session list.
type Entry struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Time   string   `json:"time,omitempty"`
	Tags   []string `json:"tags"`
	Pinned bool     `json:"pinned"`
	Active bool     `json:"active"`
	// HasActiveFork marks a fork family whose active member is not the one
	// shown.
	HasActiveFork bool `json:"has_active_fork"`
	// Forks counts the other family members hidden behind this entry.
	Forks int `json:"forks"`
}

type SessionPage struct {
	Pinned        []Entry `json:"pinned"`
	History       []Entry `json:"history"`
	TotalUnpinned int     `json:"total_unpinned"`
	HasMore       bool    `json:"has_more"`
	Active        string  `json:"active_session,omitempty"`
}

// GetUserSessions lists the user's sessions, newest first. Pinned sessions
// are returned in full on the first page and never appear in history. In
// history each fork family is collapsed to its most recently created
// member. The CLI's session list is consulted only when an owned session
// has no cached metadata.
func (s *Service) GetUserSessions(ctx context.Context, user string, opts ListOptions) (*SessionPage, error) {
	rec, err := s.store.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	if s.needsRefresh(rec) {
		if fresh, err := s.refreshMetadata(ctx, user); err != nil {
			s.log.Warn("refresh session list", "user", user, "err", err)
		} else {
			rec = fresh
		}
	}

	want := session.NormalizeTags(opts.Tags)
	match := func(id string) bool {
		have := rec.SessionTags[id]
		for _, t := range want {
			if !slices.Contains(have, t) {
				return false
			}
		}
		return true
	}
	entry := func(id string) Entry {
		return Entry{
			ID:     id,
			Title:  displayTitle(rec, id),
			Time:   rec.SessionMetadata[id].Time,
			Tags:   append([]string{}, rec.SessionTags[id]...),
			Pinned: rec.IsPinned(id),
			Active: id == rec.ActiveSession,
		}
	}

	page := &SessionPage{Pinned: []Entry{}, History: []Entry{}, Active: rec.ActiveSession}
	if opts.Offset <= 0 {
		for _, id := range rec.PinnedSessions {
			if match(id) {
				page.Pinned = append(page.Pinned, entry(id))
			}
		}
	}

	// Walk newest first so the first member seen in a family is its
	// representative.
	f := session.NewForest(rec.SessionForks)
	groups := map[string]int{}
	var history []Entry
	for _, id := range slices.Backward(rec.Sessions) {
		if rec.IsPinned(id) || !match(id) {
			continue
		}
		root := f.Root(id)
		if i, ok := groups[root]; ok {
			history[i].Forks++
			if id == rec.ActiveSession {
				history[i].HasActiveFork = true
			}
			continue
		}
		groups[root] = len(history)
		history = append(history, entry(id))
	}

	page.TotalUnpinned = len(history)
	start := max(opts.Offset, 0)
	if start >= len(history) {
		return page, nil
	}
	end := len(history)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	page.History = append(page.History, history[start:end]...)
	page.HasMore = end < len(history)
	return page, nil
}

func (s *Service) needsRefresh(rec *session.Record) bool {
	if s.remote == nil {
		return false
	}
	for _, id := range rec.Sessions {
		if _, ok := rec.SessionMetadata[id]; !ok {
			return true
		}
	}
	return false
}

// refreshMetadata caches the CLI's titles and times for owned sessions.
// Owned sessions the CLI did not report lose any cached CLI data and keep an
// Unlisted placeholder instead.
func (s *Service) refreshMetadata(ctx context.Context, user string) (*session.Record, error) {
	metrics.ListRefresh()
	remote, err := s.remote.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	reported := make(map[string]bool, len(remote))
	var fresh *session.Record
	err = s.store.Update(ctx, user, func(rec *session.Record) error {
		for _, r := range remote {
			if rec.Owns(r.ID) {
				rec.SessionMetadata[r.ID] = session.Metadata{OriginalTitle: r.Title, Time: r.Time}
				reported[r.ID] = true
			}
		}
		for _, id := range rec.Sessions {
			if !reported[id] {
				rec.SessionMetadata[id] = session.Metadata{Unlisted: true}
			}
		}
		fresh = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}
