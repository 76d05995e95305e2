package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Patterns.List()
	if list == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleApplyPattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input string `json:"input"`
		Model string `json:"model"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := chi.URLParam(r, "name")
	if _, ok := s.deps.Patterns.Lookup(name); !ok {
		writeError(w, http.StatusNotFound, "pattern not found")
		return
	}
	out := s.deps.Chat.ApplyPattern(r.Context(), userFrom(r.Context()), name, req.Input, req.Model)
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}
