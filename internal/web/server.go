// Package web is clichat's HTTP surface: JSON endpoints over the session
// graph, the prompt builder and the pattern library, plus streamed chat
// turns over SSE and websocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/auth"
	"github.com/ehrlich-b/clichat/internal/chat"
	"github.com/ehrlich-b/clichat/internal/graph"
	"github.com/ehrlich-b/clichat/internal/metrics"
	"github.com/ehrlich-b/clichat/internal/pattern"
	"github.com/ehrlich-b/clichat/internal/prompttree"
	"github.com/ehrlich-b/clichat/internal/session"
)

const cookieName = "clichat_session"

// Deps are the services the handlers call into. Passkeys and Patterns may be
// nil, which disables their routes.
type Deps struct {
	Chat     *chat.Orchestrator
	Graph    *graph.Service
	Tree     *prompttree.Service
	Patterns *pattern.Library
	Users    *auth.Users
	Tokens   *auth.Tokens
	Passkeys *auth.Passkeys
	// Health reports the agent CLI's status for /health.
	Health func(ctx context.Context) (string, error)
}

type Options struct {
	Heartbeat      time.Duration
	UploadsDir     string
	MaxUploadBytes int64
	SecureCookies  bool
	LoginLimiter   *auth.RateLimiter
	ChatLimiter    *auth.RateLimiter
}

type Server struct {
	deps   Deps
	opts   Options
	log    *slog.Logger
	router chi.Router
}

func New(deps Deps, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	s := &Server{deps: deps, opts: opts, log: log.With(slog.String("component", "web"))}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func limit(l *auth.RateLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.With(limit(s.opts.LoginLimiter)).Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	if s.deps.Passkeys != nil {
		r.With(limit(s.opts.LoginLimiter)).Post("/passkey/login/begin", s.handlePasskeyLoginBegin)
		r.With(limit(s.opts.LoginLimiter)).Post("/passkey/login/finish", s.handlePasskeyLoginFinish)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/me", s.handleMe)
		if s.deps.Passkeys != nil {
			r.Post("/passkey/register/begin", s.handlePasskeyRegisterBegin)
			r.Post("/passkey/register/finish", s.handlePasskeyRegisterFinish)
		}

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/new", s.handleNewConversation)
		r.Post("/sessions/tools", s.handleSetTools)
		r.Get("/sessions/graph", s.handleForkGraph)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteSession)
			r.Post("/activate", s.handleActivate)
			r.Post("/clone", s.handleClone)
			r.Get("/forks", s.handleForks)
			r.Post("/share", s.handleShare)
			r.Post("/pin", s.handlePin)
			r.Post("/title", s.handleTitle)
			r.Post("/tags", s.handleTags)
		})
		r.Get("/tags", s.handleTagsList)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleUpdateSettings)

		r.With(limit(s.opts.ChatLimiter)).Post("/chat", s.handleChat)
		r.With(limit(s.opts.ChatLimiter)).Get("/chat/ws", s.handleChatWS)
		r.Post("/stop", s.handleStop)
		r.Post("/uploads", s.handleUpload)
		r.Get("/uploads/{name}", s.handleServeUpload)

		if s.deps.Patterns != nil {
			r.Get("/patterns", s.handleListPatterns)
			r.Post("/patterns/{name}/apply", s.handleApplyPattern)
		}

		r.Post("/tree", s.handleTreeCreate)
		r.Route("/tree/{id}", func(r chi.Router) {
			r.Get("/", s.handleTreeGet)
			r.Delete("/", s.handleTreeDelete)
			r.Post("/question", s.handleTreeAddQuestion)
			r.Post("/next", s.handleTreeNext)
			r.Post("/answer", s.handleTreeAnswer)
			r.Post("/rewind", s.handleTreeRewind)
			r.Post("/synthesize", s.handleTreeSynthesize)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// readJSON decodes an optional JSON body; an empty body leaves v untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// fail maps service errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, graph.ErrNotOwned):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, prompttree.ErrNotFound),
		errors.Is(err, prompttree.ErrNodeNotFound),
		errors.Is(err, agent.ErrTranscriptNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, prompttree.ErrTreeChanged):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.log.Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		version, err := s.deps.Health(ctx)
		if err != nil {
			resp["status"] = "degraded"
			resp["agent_error"] = err.Error()
		} else {
			resp["agent"] = version
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
