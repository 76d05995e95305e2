package session

import (
	"errors"
	"fmt"
	"slices"
)

var ErrCycle = errors.New("fork edge would create a cycle")

// Forest is a read view over fork edges (child -> parent). Parents may be
// sessions owned by other users or sessions that no longer exist. Every walk
// tracks visited nodes, so corrupt data with a loop still terminates.
type Forest struct {
	parent   map[string]ForkInfo
	children map[string][]string
}

// NewForest merges edge maps; later maps win on conflicting children.
func NewForest(edges ...map[string]ForkInfo) *Forest {
	f := &Forest{parent: map[string]ForkInfo{}, children: map[string][]string{}}
	for _, m := range edges {
		for child, info := range m {
			f.parent[child] = info
		}
	}
	for child, info := range f.parent {
		f.children[info.Parent] = append(f.children[info.Parent], child)
	}
	for _, kids := range f.children {
		slices.Sort(kids)
	}
	return f
}

func (f *Forest) Parent(id string) (ForkInfo, bool) {
	info, ok := f.parent[id]
	return info, ok
}

func (f *Forest) Children(id string) []string {
	return slices.Clone(f.children[id])
}

// ChildrenAt groups the direct children of id by fork point.
func (f *Forest) ChildrenAt(id string) map[int][]string {
	out := map[int][]string{}
	for _, child := range f.children[id] {
		p := f.parent[child].ForkPoint
		out[p] = append(out[p], child)
	}
	return out
}

// Ancestors lists parents nearest first.
func (f *Forest) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	for cur := id; ; {
		info, ok := f.parent[cur]
		if !ok || seen[info.Parent] {
			return out
		}
		seen[info.Parent] = true
		out = append(out, info.Parent)
		cur = info.Parent
	}
}

// Root is the furthest ancestor, or id itself.
func (f *Forest) Root(id string) string {
	anc := f.Ancestors(id)
	if len(anc) == 0 {
		return id
	}
	return anc[len(anc)-1]
}

// Descendants lists everything forked from id, breadth first.
func (f *Forest) Descendants(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range f.children[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Component is the whole fork family of id: its root and every descendant
// of the root, root first.
func (f *Forest) Component(id string) []string {
	root := f.Root(id)
	out := append([]string{root}, f.Descendants(root)...)
	if !slices.Contains(out, id) {
		// Only reachable when the data holds a loop above id.
		out = append(out, id)
	}
	return out
}

// Link records child as forked from parent, refusing self edges and edges
// that would make child its own ancestor.
func (f *Forest) Link(child, parent string, forkPoint int) error {
	if child == parent || slices.Contains(f.Ancestors(parent), child) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, child, parent)
	}
	if old, ok := f.parent[child]; ok {
		f.children[old.Parent] = slices.DeleteFunc(f.children[old.Parent], func(s string) bool { return s == child })
	}
	f.parent[child] = ForkInfo{Parent: parent, ForkPoint: forkPoint}
	kids := append(f.children[parent], child)
	slices.Sort(kids)
	f.children[parent] = kids
	return nil
}

// LinkFork validates the edge against the record's own forks and stores it.
func (r *Record) LinkFork(child, parent string, forkPoint int) error {
	if err := NewForest(r.SessionForks).Link(child, parent, forkPoint); err != nil {
		return err
	}
	r.SessionForks[child] = ForkInfo{Parent: parent, ForkPoint: forkPoint}
	return nil
}
