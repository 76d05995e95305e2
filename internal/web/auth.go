package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/clichat/internal/auth"
)

type ctxKey struct{}

// userFrom returns the authenticated user set by requireUser.
func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(ctxKey{}).(string)
	return u
}

// tokenFrom reads the session cookie, falling back to a bearer token.
func tokenFrom(r *http.Request) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := tokenFrom(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.deps.Tokens.Validate(tok)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		// Tokens outlive users removed from users.json.
		if ok, _ := s.deps.Users.Exists(r.Context(), user); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func (s *Server) startSession(w http.ResponseWriter, user string) {
	tok, exp, err := s.deps.Tokens.Issue(user)
	if err != nil {
		s.log.Error("issue token", "user", user, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    tok,
		Path:     "/",
		Expires:  exp,
		MaxAge:   int(time.Until(exp).Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"user": user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}
	if err := s.deps.Users.Verify(req.Username, req.Password); err != nil {
		s.log.Info("login failed", "user", req.Username, "ip", auth.ClientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	s.log.Info("login", "user", req.Username)
	s.startSession(w, req.Username)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   cookieName,
		Path:   "/",
		MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	usr, err := s.deps.Users.Get(userFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":     usr.Name,
		"passkeys": len(usr.Credentials),
	})
}

func (s *Server) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	options, err := s.deps.Passkeys.BeginRegistration(userFrom(r.Context()))
	if err != nil {
		s.log.Warn("passkey register begin", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.deps.Passkeys.FinishRegistration(user, r); err != nil {
		s.log.Warn("passkey register finish", "user", user, "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("passkey registered", "user", user)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Passkey login names the user in the query string so the finish request
// body stays the raw WebAuthn assertion.
func (s *Server) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	options, err := s.deps.Passkeys.BeginLogin(user)
	switch {
	case errors.Is(err, auth.ErrUnknownUser), errors.Is(err, auth.ErrNoCredentials):
		writeError(w, http.StatusNotFound, "no passkeys for user")
		return
	case err != nil:
		s.log.Warn("passkey login begin", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if err := s.deps.Passkeys.FinishLogin(user, r); err != nil {
		s.log.Info("passkey login failed", "user", user, "ip", auth.ClientIP(r), "err", err)
		writeError(w, http.StatusUnauthorized, "passkey verification failed")
		return
	}
	s.log.Info("login", "user", user, "method", "passkey")
	s.startSession(w, user)
}
