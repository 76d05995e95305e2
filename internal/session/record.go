// Package session persists per-user chat session metadata: which sessions a
// user owns, which one is active, titles, tags, pins, tool whitelists and the
// fork edges between sessions.
package session

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// Metadata caches what the agent CLI reported for a session.
type Metadata struct {
	OriginalTitle string `json:"original_title"`
	Time          string `json:"time"`
	// Unlisted marks a session the CLI's last listing did not report. The
	// entry stays as a placeholder so the next page load does not list again.
	Unlisted bool `json:"unlisted,omitempty"`
}

// ForkInfo is one fork edge: the session was cloned from Parent after
// message ForkPoint.
type ForkInfo struct {
	Parent    string `json:"parent"`
	ForkPoint int    `json:"fork_point"`
}

// PendingFork holds what a new session inherits once its id is known.
type PendingFork struct {
	Parent    string   `json:"parent"`
	ForkPoint int      `json:"fork_point"`
	Title     string   `json:"title,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

type Settings struct {
	ShowMic         bool   `json:"show_mic"`
	InteractiveMode bool   `json:"interactive_mode"`
	CopyFormatted   bool   `json:"copy_formatted"`
	DefaultModel    string `json:"default_model"`
	Theme           string `json:"theme"`
}

func DefaultSettings() Settings {
	return Settings{ShowMic: true, InteractiveMode: true, Theme: "system"}
}

// UnmarshalJSON fills missing fields with their defaults.
func (s *Settings) UnmarshalJSON(data []byte) error {
	type plain Settings
	p := plain(DefaultSettings())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Settings(p)
	if s.Theme == "" {
		s.Theme = "system"
	}
	return nil
}

// Record is everything stored for one user. PendingTools distinguishes nil
// (unset) from empty (no tools).
type Record struct {
	ActiveSession   string              `json:"active_session,omitempty"`
	Sessions        []string            `json:"sessions"`
	SessionTools    map[string][]string `json:"session_tools"`
	PendingTools    []string            `json:"pending_tools"`
	SessionTags     map[string][]string `json:"session_tags"`
	CustomTitles    map[string]string   `json:"custom_titles"`
	SessionMetadata map[string]Metadata `json:"session_metadata"`
	PinnedSessions  []string            `json:"pinned_sessions"`
	SessionForks    map[string]ForkInfo `json:"session_forks"`
	PendingFork     *PendingFork        `json:"pending_fork,omitempty"`
	Settings        Settings            `json:"settings"`
}

func NewRecord() *Record {
	r := &Record{Settings: DefaultSettings()}
	r.normalize()
	return r
}

func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	p := plain{Settings: DefaultSettings()}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Record(p)
	r.normalize()
	return nil
}

// normalize allocates nil maps and restores the record's invariants: no
// duplicate sessions, an active session that is owned, and per-session maps
// keyed only by owned sessions.
func (r *Record) normalize() {
	if r.SessionTools == nil {
		r.SessionTools = map[string][]string{}
	}
	if r.SessionTags == nil {
		r.SessionTags = map[string][]string{}
	}
	if r.CustomTitles == nil {
		r.CustomTitles = map[string]string{}
	}
	if r.SessionMetadata == nil {
		r.SessionMetadata = map[string]Metadata{}
	}
	if r.SessionForks == nil {
		r.SessionForks = map[string]ForkInfo{}
	}
	if r.Sessions == nil {
		r.Sessions = []string{}
	}
	r.Sessions = dedupe(r.Sessions)
	r.PinnedSessions = dedupe(r.PinnedSessions)

	owned := make(map[string]bool, len(r.Sessions))
	for _, id := range r.Sessions {
		owned[id] = true
	}
	if r.ActiveSession != "" && !owned[r.ActiveSession] {
		r.ActiveSession = ""
	}
	r.PinnedSessions = slices.DeleteFunc(r.PinnedSessions, func(id string) bool { return !owned[id] })
	maps.DeleteFunc(r.SessionTools, func(id string, _ []string) bool { return !owned[id] })
	maps.DeleteFunc(r.SessionTags, func(id string, _ []string) bool { return !owned[id] })
	maps.DeleteFunc(r.CustomTitles, func(id string, _ string) bool { return !owned[id] })
	maps.DeleteFunc(r.SessionMetadata, func(id string, _ Metadata) bool { return !owned[id] })
}

// Owns reports whether id is one of the user's sessions.
func (r *Record) Owns(id string) bool {
	return id != "" && slices.Contains(r.Sessions, id)
}

// AddSession appends id if it is not already owned.
func (r *Record) AddSession(id string) {
	if !r.Owns(id) {
		r.Sessions = append(r.Sessions, id)
	}
}

// RemoveSession forgets id and everything keyed by it. Fork edges pointing
// at id from other sessions are left alone; the parent may live elsewhere.
func (r *Record) RemoveSession(id string) {
	r.Sessions = slices.DeleteFunc(r.Sessions, func(s string) bool { return s == id })
	r.PinnedSessions = slices.DeleteFunc(r.PinnedSessions, func(s string) bool { return s == id })
	delete(r.SessionTools, id)
	delete(r.SessionTags, id)
	delete(r.CustomTitles, id)
	delete(r.SessionMetadata, id)
	delete(r.SessionForks, id)
	if r.ActiveSession == id {
		r.ActiveSession = ""
	}
}

// SetActive makes id the active session. It must be owned.
func (r *Record) SetActive(id string) error {
	if !r.Owns(id) {
		return ErrSessionNotFound
	}
	r.ActiveSession = id
	return nil
}

// Title is the custom title, else the cached CLI title.
func (r *Record) Title(id string) string {
	if t := r.CustomTitles[id]; t != "" {
		return t
	}
	return r.SessionMetadata[id].OriginalTitle
}

func (r *Record) Tags(id string) []string {
	return slices.Clone(r.SessionTags[id])
}

// SetTags stores tags as a set: trimmed, non-empty, first occurrence wins.
func (r *Record) SetTags(id string, tags []string) {
	clean := NormalizeTags(tags)
	if len(clean) == 0 {
		delete(r.SessionTags, id)
		return
	}
	r.SessionTags[id] = clean
}

func (r *Record) IsPinned(id string) bool {
	return slices.Contains(r.PinnedSessions, id)
}

// TogglePin flips the pin state of id and returns the new state.
func (r *Record) TogglePin(id string) bool {
	if r.IsPinned(id) {
		r.PinnedSessions = slices.DeleteFunc(r.PinnedSessions, func(s string) bool { return s == id })
		return false
	}
	r.PinnedSessions = append(r.PinnedSessions, id)
	return true
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Sessions = slices.Clone(r.Sessions)
	c.PendingTools = slices.Clone(r.PendingTools)
	c.PinnedSessions = slices.Clone(r.PinnedSessions)
	c.SessionTools = cloneLists(r.SessionTools)
	c.SessionTags = cloneLists(r.SessionTags)
	c.CustomTitles = maps.Clone(r.CustomTitles)
	c.SessionMetadata = maps.Clone(r.SessionMetadata)
	c.SessionForks = maps.Clone(r.SessionForks)
	if r.PendingFork != nil {
		pf := *r.PendingFork
		pf.Tags = slices.Clone(pf.Tags)
		pf.Tools = slices.Clone(pf.Tools)
		c.PendingFork = &pf
	}
	c.normalize()
	return &c
}

// NormalizeTags trims, drops empties and removes duplicates, keeping order.
func NormalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func cloneLists(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}
