package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ehrlich-b/clichat/internal/session"
)

// SyncSessionUpdates applies a title and/or tag set to every owned session
// in id's fork family. A nil title or nil tags leaves that field alone; an
// empty title reverts to the CLI's title. It returns the sessions updated.
func (s *Service) SyncSessionUpdates(ctx context.Context, user, id string, title *string, tags []string) ([]string, error) {
	var members []string
	err := s.update(ctx, user, id, func(rec *session.Record) error {
		members = family(rec, id)
		for _, m := range members {
			if title != nil {
				setTitle(rec, m, *title)
			}
			if tags != nil {
				rec.SetTags(m, tags)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func setTitle(rec *session.Record, id, title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		delete(rec.CustomTitles, id)
		return
	}
	rec.CustomTitles[id] = title
}

// DeleteSpecificSession removes id's whole fork family from the user's
// record. A member's CLI session is destroyed only when no other user still
// references it. Every member is processed; the result is true only if all
// of them were deleted cleanly.
func (s *Service) DeleteSpecificSession(ctx context.Context, user, id string) (bool, error) {
	rec, err := s.owned(ctx, user, id)
	if err != nil {
		return false, err
	}
	members := family(rec, id)

	ok := true
	for _, m := range members {
		if err := s.deleteRemote(ctx, user, m); err != nil {
			s.log.Warn("delete session", "user", user, "session", m, "err", err)
			ok = false
		}
	}

	err = s.store.Update(ctx, user, func(rec *session.Record) error {
		for _, m := range members {
			rec.RemoveSession(m)
		}
		if pf := rec.PendingFork; pf != nil && slices.Contains(members, pf.Parent) {
			rec.PendingFork = nil
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.log.Info("sessions deleted", "user", user, "sessions", members, "clean", ok)
	return ok, nil
}

// deleteRemote destroys the CLI session unless another user references it.
func (s *Service) deleteRemote(ctx context.Context, user, id string) error {
	refs, err := s.store.Referencing(ctx, id)
	if err != nil {
		return fmt.Errorf("check references: %w", err)
	}
	if slices.ContainsFunc(refs, func(u string) bool { return u != user }) {
		s.log.Debug("session still shared, keeping transcript", "session", id)
		return nil
	}
	if s.remote == nil {
		return nil
	}
	return s.remote.DeleteSession(ctx, id)
}

var errShareRefused = errors.New("share refused")

// ShareSession adds id to target's sessions and copies its title, tags,
// metadata and tools where target has none yet. It reports false, changing
// nothing, when owner does not own id or target does not exist. Sharing
// again is a no-op success.
func (s *Service) ShareSession(ctx context.Context, owner, id, target string) (bool, error) {
	target = strings.TrimSpace(target)
	if target == "" || s.users == nil {
		return false, nil
	}
	exists, err := s.users.Exists(ctx, target)
	if err != nil {
		return false, fmt.Errorf("look up %s: %w", target, err)
	}
	if !exists {
		return false, nil
	}

	err = s.store.UpdateMany(ctx, []string{owner, target}, func(recs map[string]*session.Record) error {
		src, dst := recs[owner], recs[target]
		if !src.Owns(id) {
			return errShareRefused
		}
		dst.AddSession(id)
		if t, ok := src.CustomTitles[id]; ok {
			if _, has := dst.CustomTitles[id]; !has {
				dst.CustomTitles[id] = t
			}
		}
		if _, has := dst.SessionTags[id]; !has {
			dst.SetTags(id, src.Tags(id))
		}
		if md, ok := src.SessionMetadata[id]; ok {
			if _, has := dst.SessionMetadata[id]; !has {
				dst.SessionMetadata[id] = md
			}
		}
		if tools, ok := src.SessionTools[id]; ok {
			if _, has := dst.SessionTools[id]; !has {
				dst.SessionTools[id] = slices.Clone(tools)
			}
		}
		return nil
	})
	if errors.Is(err, errShareRefused) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.Info("session shared", "owner", owner, "session", id, "target", target)
	return true, nil
}
