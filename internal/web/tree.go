package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ehrlich-b/clichat/internal/prompttree"
)

// ownedTree loads the tree named in the URL. Trees of other users look
// missing.
func (s *Server) ownedTree(w http.ResponseWriter, r *http.Request) (*prompttree.Session, bool) {
	sess, err := s.deps.Tree.Get(chi.URLParam(r, "id"))
	if err != nil || sess.UserID != userFrom(r.Context()) {
		writeError(w, http.StatusNotFound, prompttree.ErrNotFound.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) handleTreeCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal string `json:"goal"`
	}
	if err := readJSON(w, r, &req); err != nil || strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, "goal required")
		return
	}
	writeJSON(w, http.StatusCreated, s.deps.Tree.CreateSession(userFrom(r.Context()), req.Goal))
}

func (s *Server) handleTreeGet(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.ownedTree(w, r); ok {
		writeJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) handleTreeDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedTree(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": s.deps.Tree.Delete(sess.ID)})
}

func (s *Server) handleTreeAddQuestion(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedTree(w, r)
	if !ok {
		return
	}
	var req struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
		Parent   string   `json:"parent"`
	}
	if err := readJSON(w, r, &req); err != nil || strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question required")
		return
	}
	n, err := s.deps.Tree.AddQuestion(sess.ID, req.Question, req.Options, req.Parent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleTreeNext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedTree(w, r)
	if !ok {
		return
	}
	n, err := s.deps.Tree.GenerateNextQuestion(r.Context(), sess.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleTreeAnswer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedTree(w, r)
	if !ok {
		return
	}
	var req struct {
		NodeID string `json:"node_id"`
		Answer string `json:"answer"`
	}
	if err := readJSON(w, r, &req); err != nil || req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id required")
		return
	}
	if err := s.deps.Tree.AnswerQuestion(sess.ID, req.NodeID, req.Answer); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleTreeGet(w, r)
}

func (s *Server) handleTreeRewind(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedTree(w, r)
	if !ok {
		return
	}
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := readJSON(w, r, &req); err != nil || req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id required")
		return
	}
	if err := s.deps.Tree.RewindTo(sess.ID, req.NodeID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleTreeGet(w, r)
}

func (s *Server) handleTreeSynthesize(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedTree(w, r)
	if !ok {
		return
	}
	prompt, err := s.deps.Tree.SynthesizePrompt(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}
