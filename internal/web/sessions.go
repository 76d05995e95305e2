package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ehrlich-b/clichat/internal/graph"
	"github.com/ehrlich-b/clichat/internal/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := graph.ListOptions{}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}
	for _, t := range q["tags"] {
		for tag := range strings.SplitSeq(t, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				opts.Tags = append(opts.Tags, tag)
			}
		}
	}
	page, err := s.deps.Graph.GetUserSessions(r.Context(), userFrom(r.Context()), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Graph.NewConversation(r.Context(), userFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSetTools(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string   `json:"session_id"`
		Tools     []string `json:"tools"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Graph.SetSessionTools(r.Context(), userFrom(r.Context()), req.SessionID, req.Tools); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleForkGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Graph.GetForkGraph(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deps.Graph.DeleteSpecificSession(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Graph.SetActiveSession(r.Context(), userFrom(r.Context()), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_session": id})
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIndex *int `json:"message_index"`
	}
	if err := readJSON(w, r, &req); err != nil || req.MessageIndex == nil {
		writeError(w, http.StatusBadRequest, "message_index required")
		return
	}
	if *req.MessageIndex < -1 {
		writeError(w, http.StatusBadRequest, "invalid message_index")
		return
	}
	id, err := s.deps.Graph.CloneSession(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), *req.MessageIndex)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleForks(w http.ResponseWriter, r *http.Request) {
	forks, err := s.deps.Graph.GetSessionForks(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forks)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := readJSON(w, r, &req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	ok, err := s.deps.Graph.ShareSession(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), req.Username)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "cannot share session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	pinned, err := s.deps.Graph.TogglePin(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"pinned": pinned})
}

// singleScope reports ?scope=session: title and tag edits then apply to the
// one session instead of its whole fork family.
func singleScope(r *http.Request) bool {
	return r.URL.Query().Get("scope") == "session"
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if singleScope(r) {
		if err := s.deps.Graph.UpdateSessionTitle(r.Context(), userFrom(r.Context()), id, req.Title); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"updated": {id}})
		return
	}
	updated, err := s.deps.Graph.SyncSessionUpdates(r.Context(), userFrom(r.Context()), id, &req.Title, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"updated": updated})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}
	id := chi.URLParam(r, "id")
	if singleScope(r) {
		if err := s.deps.Graph.UpdateSessionTags(r.Context(), userFrom(r.Context()), id, req.Tags); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"updated": {id}})
		return
	}
	updated, err := s.deps.Graph.SyncSessionUpdates(r.Context(), userFrom(r.Context()), id, nil, req.Tags)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"updated": updated})
}

func (s *Server) handleTagsList(w http.ResponseWriter, r *http.Request) {
	tags, err := s.deps.Graph.GetUniqueTags(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Graph.GetSettings(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleUpdateSettings applies a partial update: only keys present in the
// body change.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShowMic         *bool   `json:"show_mic"`
		InteractiveMode *bool   `json:"interactive_mode"`
		CopyFormatted   *bool   `json:"copy_formatted"`
		DefaultModel    *string `json:"default_model"`
		Theme           *string `json:"theme"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	st, err := s.deps.Graph.UpdateSettings(r.Context(), userFrom(r.Context()), func(st *session.Settings) {
		if req.ShowMic != nil {
			st.ShowMic = *req.ShowMic
		}
		if req.InteractiveMode != nil {
			st.InteractiveMode = *req.InteractiveMode
		}
		if req.CopyFormatted != nil {
			st.CopyFormatted = *req.CopyFormatted
		}
		if req.DefaultModel != nil {
			st.DefaultModel = *req.DefaultModel
		}
		if req.Theme != nil {
			st.Theme = *req.Theme
		}
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
