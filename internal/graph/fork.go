package graph

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ehrlich-b/clichat/internal/session"
)

// CloneSession forks orig after message index. Index -1 stages the fork on
// the record and clears the active session, so the next turn starts a fresh
// CLI session that inherits orig's title, tags and tools once its id is
// known; PendingID is returned. Any other index copies the transcript now
// and makes the clone the active session.
func (s *Service) CloneSession(ctx context.Context, user, orig string, index int) (string, error) {
	if index < -1 {
		return "", fmt.Errorf("clone %s: invalid message index %d", orig, index)
	}
	if index == -1 {
		err := s.update(ctx, user, orig, func(rec *session.Record) error {
			pf := &session.PendingFork{
				Parent:    orig,
				ForkPoint: -1,
				Title:     rec.Title(orig),
				Tags:      rec.Tags(orig),
			}
			if tools, ok := rec.SessionTools[orig]; ok {
				pf.Tools = append([]string{}, tools...)
			}
			rec.PendingFork = pf
			rec.ActiveSession = ""
			return nil
		})
		if err != nil {
			return "", err
		}
		s.log.Info("fork staged", "user", user, "parent", orig)
		return PendingID, nil
	}

	if _, err := s.owned(ctx, user, orig); err != nil {
		return "", err
	}
	if s.forker == nil {
		return "", fmt.Errorf("clone %s: no transcript store configured", orig)
	}
	newID := s.newID()
	if _, err := s.forker.Fork(ctx, orig, newID, index); err != nil {
		return "", fmt.Errorf("clone %s: %w", orig, err)
	}

	err := s.update(ctx, user, orig, func(rec *session.Record) error {
		rec.AddSession(newID)
		if err := rec.LinkFork(newID, orig, index); err != nil {
			return err
		}
		if t := rec.Title(orig); t != "" {
			rec.CustomTitles[newID] = t
		}
		rec.SetTags(newID, rec.Tags(orig))
		if tools, ok := rec.SessionTools[orig]; ok {
			rec.SessionTools[newID] = slices.Clone(tools)
		}
		rec.SessionMetadata[newID] = session.Metadata{
			OriginalTitle: rec.SessionMetadata[orig].OriginalTitle,
			Time:          time.Now().UTC().Format(time.RFC3339),
		}
		rec.ActiveSession = newID
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("session cloned", "user", user, "parent", orig, "clone", newID, "fork_point", index)
	return newID, nil
}

// GetSessionForks maps each message index of id to the alternative sessions
// branching there: id and its own children at their fork points, and, when
// id is itself a fork, its parent and co-siblings at id's fork point. Only
// owned sessions are listed, parents excepted, and points with a single
// option are omitted.
func (s *Service) GetSessionForks(ctx context.Context, user, id string) (map[int][]string, error) {
	rec, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	f := session.NewForest(rec.SessionForks)
	out := map[int][]string{}
	add := func(point int, ids ...string) {
		for _, m := range ids {
			if !slices.Contains(out[point], m) {
				out[point] = append(out[point], m)
			}
		}
	}
	for point, kids := range f.ChildrenAt(id) {
		add(point, id)
		add(point, ownedOnly(rec, kids)...)
	}
	if info, ok := f.Parent(id); ok {
		add(info.ForkPoint, info.Parent)
		add(info.ForkPoint, ownedOnly(rec, f.ChildrenAt(info.Parent)[info.ForkPoint])...)
	}
	for point, ids := range out {
		if len(ids) < 2 {
			delete(out, point)
		}
	}
	return out, nil
}

func ownedOnly(rec *session.Record, ids []string) []string {
	return slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return !rec.Owns(id) })
}

// Node is one session in the fork graph.
type Node struct {
	ID        string   `json:"id"`
	Parent    string   `json:"parent,omitempty"`
	ForkPoint *int     `json:"fork_point,omitempty"`
	Title     string   `json:"title"`
	Children  []string `json:"children"`
}

// ForkGraph is every owned session with its fork edges. Roots are sessions
// without an owned parent, in creation order.
type ForkGraph struct {
	Nodes map[string]*Node `json:"nodes"`
	Roots []string         `json:"roots"`
}

func (s *Service) GetForkGraph(ctx context.Context, user string) (*ForkGraph, error) {
	rec, err := s.store.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	f := session.NewForest(rec.SessionForks)
	g := &ForkGraph{Nodes: make(map[string]*Node, len(rec.Sessions)), Roots: []string{}}
	for _, id := range rec.Sessions {
		n := &Node{ID: id, Title: displayTitle(rec, id), Children: append([]string{}, ownedOnly(rec, f.Children(id))...)}
		if info, ok := f.Parent(id); ok {
			n.Parent = info.Parent
			point := info.ForkPoint
			n.ForkPoint = &point
		}
		if n.Parent == "" || !rec.Owns(n.Parent) {
			g.Roots = append(g.Roots, id)
		}
		g.Nodes[id] = n
	}
	return g, nil
}
