package graph

import (
	"context"
	"slices"

	"github.com/ehrlich-b/clichat/internal/session"
)

// TogglePin flips the pin on id and returns the new state.
func (s *Service) TogglePin(ctx context.Context, user, id string) (bool, error) {
	var pinned bool
	err := s.update(ctx, user, id, func(rec *session.Record) error {
		pinned = rec.TogglePin(id)
		return nil
	})
	return pinned, err
}

// GetUniqueTags returns every tag used on the user's sessions, sorted.
func (s *Service) GetUniqueTags(ctx context.Context, user string) ([]string, error) {
	rec, err := s.store.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	tags := []string{}
	for _, id := range rec.Sessions {
		for _, t := range rec.SessionTags[id] {
			if !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
	}
	slices.Sort(tags)
	return tags, nil
}

// UpdateSessionTitle sets the title of id alone. An empty title reverts to
// the title the CLI reported.
func (s *Service) UpdateSessionTitle(ctx context.Context, user, id, title string) error {
	return s.update(ctx, user, id, func(rec *session.Record) error {
		setTitle(rec, id, title)
		return nil
	})
}

// UpdateSessionTags replaces the tag set of id alone.
func (s *Service) UpdateSessionTags(ctx context.Context, user, id string, tags []string) error {
	return s.update(ctx, user, id, func(rec *session.Record) error {
		rec.SetTags(id, tags)
		return nil
	})
}

// SetSessionTools sets the tool whitelist of id. An empty id or PendingID
// targets the pending bucket used by the next new session. A nil or empty
// list means no tools.
func (s *Service) SetSessionTools(ctx context.Context, user, id string, tools []string) error {
	tools = append([]string{}, tools...)
	if id == "" || id == PendingID {
		return s.store.Update(ctx, user, func(rec *session.Record) error {
			rec.PendingTools = tools
			return nil
		})
	}
	return s.update(ctx, user, id, func(rec *session.Record) error {
		rec.SessionTools[id] = tools
		return nil
	})
}

func (s *Service) SetActiveSession(ctx context.Context, user, id string) error {
	return s.update(ctx, user, id, func(rec *session.Record) error {
		return rec.SetActive(id)
	})
}

// NewConversation clears the active session so the next turn starts fresh.
// A staged fork is dropped with it.
func (s *Service) NewConversation(ctx context.Context, user string) error {
	return s.store.Update(ctx, user, func(rec *session.Record) error {
		rec.ActiveSession = ""
		rec.PendingFork = nil
		return nil
	})
}

// GetSettings returns the user's preferences.
func (s *Service) GetSettings(ctx context.Context, user string) (session.Settings, error) {
	rec, err := s.store.Get(ctx, user)
	if err != nil {
		return session.Settings{}, err
	}
	return rec.Settings, nil
}

// UpdateSettings applies fn to the user's preferences and returns them.
func (s *Service) UpdateSettings(ctx context.Context, user string, fn func(*session.Settings)) (session.Settings, error) {
	var out session.Settings
	err := s.store.Update(ctx, user, func(rec *session.Record) error {
		fn(&rec.Settings)
		if rec.Settings.Theme == "" {
			rec.Settings.Theme = session.DefaultSettings().Theme
		}
		out = rec.Settings
		return nil
	})
	return out, err
}
