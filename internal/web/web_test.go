package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/auth"
	"github.com/ehrlich-b/clichat/internal/chat"
	"github.com/ehrlich-b/clichat/internal/graph"
	"github.com/ehrlich-b/clichat/internal/pattern"
	"github.com/ehrlich-b/clichat/internal/prompttree"
	"github.com/ehrlich-b/clichat/internal/session"
)

type nopRemote struct{}

func (nopRemote) ListSessions(context.Context) ([]agent.RemoteSession, error) { return nil, nil }
func (nopRemote) DeleteSession(context.Context, string) error                 { return nil }

type fixture struct {
	srv     *Server
	store   session.Store
	users   *auth.Users
	tokens  *auth.Tokens
	uploads string
}

func newFixture(t *testing.T, scripts ...agent.FakeScript) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := session.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	users, err := auth.OpenUsers(filepath.Join(dir, "users.json"))
	require.NoError(t, err)
	require.NoError(t, users.Add("alice", "alice-pw"))
	require.NoError(t, users.Add("bob", "bob-pw"))

	patterns, err := pattern.Open(filepath.Join(dir, "prompts"), filepath.Join(dir, "patterns.json"), log)
	require.NoError(t, err)

	uploads := filepath.Join(dir, "uploads")
	orch := chat.New(agent.NewFakeBridge(scripts...), store, chat.Options{
		DefaultModel: "pro",
		UploadDir:    uploads,
		Patterns:     patterns,
	}, log)
	tokens := auth.NewTokens([]byte("test-secret-test-secret-test-sec"), time.Hour)

	srv := New(Deps{
		Chat:     orch,
		Graph:    graph.New(store, nopRemote{}, nil, users, log),
		Tree:     prompttree.New(orch, "flash"),
		Patterns: patterns,
		Users:    users,
		Tokens:   tokens,
	}, Options{Heartbeat: time.Second, UploadsDir: uploads}, log)
	return &fixture{srv: srv, store: store, users: users, tokens: tokens, uploads: uploads}
}

func (f *fixture) cookie(t *testing.T, user string) *http.Cookie {
	t.Helper()
	tok, _, err := f.tokens.Issue(user)
	require.NoError(t, err)
	return &http.Cookie{Name: cookieName, Value: tok}
}

func (f *fixture) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.AddCookie(f.cookie(t, user))
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seed(t *testing.T, user string, ids ...string) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), user, func(rec *session.Record) error {
		for _, id := range ids {
			rec.AddSession(id)
			rec.SessionMetadata[id] = session.Metadata{OriginalTitle: "title " + id, Time: "2026-01-01T00:00:00Z"}
		}
		return nil
	}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		fw.Write([]byte(content))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func agentLine(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "", "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "", "GET", "/sessions", nil).Code)

	req := httptest.NewRequest("GET", "/sessions", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: "garbage"})
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A valid token for a user missing from the directory is refused.
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "mallory", "GET", "/sessions", nil).Code)
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "", "POST", "/login", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "", "POST", "/login", map[string]string{"username": "alice", "password": "alice-pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName {
			session = c
		}
	}
	require.NotNil(t, session, "no session cookie")
	assert.True(t, session.HttpOnly)

	req := httptest.NewRequest("GET", "/me", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: session.Value})
	me := httptest.NewRecorder()
	f.srv.ServeHTTP(me, req)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Equal(t, "alice", decode[map[string]any](t, me)["user"])

	out := f.do(t, "alice", "POST", "/logout", nil)
	assert.Equal(t, http.StatusNoContent, out.Code)
}

func TestChatStreamsSSE(t *testing.T) {
	f := newFixture(t, agent.FakeScript{Stdout: []string{
		agentLine(t, map[string]any{"type": "init", "session_id": "abc", "model": "pro"}),
		agentLine(t, map[string]any{"type": "message", "role": "assistant", "content": "Hi there", "delta": true}),
	}})

	body, ctype := multipartBody(t, map[string]string{"message": "Hello"}, nil)
	req := httptest.NewRequest("POST", "/chat", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(f.cookie(t, "alice"))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, `data: {"type":"init"`)
	assert.Contains(t, out, "Hi there")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"), out)

	list := f.do(t, "alice", "GET", "/sessions", nil)
	require.Equal(t, http.StatusOK, list.Code)
	page := decode[graph.SessionPage](t, list)
	assert.Equal(t, "abc", page.Active)
	require.Len(t, page.History, 1)
	assert.Equal(t, "abc", page.History[0].ID)
	assert.Equal(t, "Hello", page.History[0].Title)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)
	body, ctype := multipartBody(t, map[string]string{"message": "  "}, nil)
	req := httptest.NewRequest("POST", "/chat", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(f.cookie(t, "alice"))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopWithoutTurn(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "alice", "POST", "/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[map[string]bool](t, rec)["stopped"])
}

func TestOwnershipMapsToForbidden(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", "a1")
	f.seed(t, "bob", "b1")

	assert.Equal(t, http.StatusForbidden, f.do(t, "alice", "POST", "/sessions/b1/activate", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, "alice", "DELETE", "/sessions/b1", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, "alice", "POST", "/sessions/b1/pin", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		f.do(t, "alice", "POST", "/sessions/b1/title", map[string]string{"title": "mine"}).Code)

	rec := f.do(t, "alice", "POST", "/sessions/a1/activate", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShareSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", "a1")

	rec := f.do(t, "alice", "POST", "/sessions/a1/share", map[string]string{"username": "carol"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, "bob", "POST", "/sessions/a1/share", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "alice", "POST", "/sessions/a1/share", map[string]string{"username": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	page := decode[graph.SessionPage](t, f.do(t, "bob", "GET", "/sessions", nil))
	require.Len(t, page.History, 1)
	assert.Equal(t, "a1", page.History[0].ID)
}

func TestSessionEdits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", "a1", "a2")

	rec := f.do(t, "alice", "POST", "/sessions/a1/pin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["pinned"])

	rec = f.do(t, "alice", "POST", "/sessions/a2/tags", map[string][]string{"tags": {"work", "go"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a2"}, decode[map[string][]string](t, rec)["updated"])

	rec = f.do(t, "alice", "POST", "/sessions/a2/title?scope=session", map[string]string{"title": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)

	tags := decode[[]string](t, f.do(t, "alice", "GET", "/tags", nil))
	assert.Equal(t, []string{"go", "work"}, tags)

	page := decode[graph.SessionPage](t, f.do(t, "alice", "GET", "/sessions?tags=work", nil))
	require.Len(t, page.History, 1)
	assert.Equal(t, "Renamed", page.History[0].Title)
	assert.Empty(t, page.Pinned)

	page = decode[graph.SessionPage](t, f.do(t, "alice", "GET", "/sessions", nil))
	require.Len(t, page.Pinned, 1)
	assert.Equal(t, "a1", page.Pinned[0].ID)
	require.Len(t, page.History, 1)
	assert.Equal(t, "a2", page.History[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "alice", "GET", "/sessions?limit=x", nil).Code)
}

func TestPendingCloneAndNewConversation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", "a1")

	rec := f.do(t, "alice", "POST", "/sessions/a1/clone", map[string]int{"message_index": -1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, graph.PendingID, decode[map[string]string](t, rec)["session_id"])

	rec = f.do(t, "alice", "POST", "/sessions/a1/clone", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, "alice", "POST", "/sessions/new", nil).Code)
	got, err := f.store.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, got.PendingFork)
	assert.Empty(t, got.ActiveSession)
}

func TestSettingsPartialUpdate(t *testing.T) {
	f := newFixture(t)
	before := decode[session.Settings](t, f.do(t, "alice", "GET", "/settings", nil))

	rec := f.do(t, "alice", "POST", "/settings", map[string]any{"show_mic": !before.ShowMic, "default_model": "flash"})
	require.Equal(t, http.StatusOK, rec.Code)
	after := decode[session.Settings](t, rec)
	assert.Equal(t, !before.ShowMic, after.ShowMic)
	assert.Equal(t, "flash", after.DefaultModel)
	assert.Equal(t, before.InteractiveMode, after.InteractiveMode)
}

func TestUploadAndServe(t *testing.T) {
	f := newFixture(t)
	body, ctype := multipartBody(t, nil, map[string]string{
		"notes.txt": "hello",
		"data.csv":  "a,b\n1,2\n",
	})
	req := httptest.NewRequest("POST", "/uploads", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(f.cookie(t, "alice"))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	files := decode[[]uploaded](t, rec)
	require.Len(t, files, 2)
	var txt, csv string
	for _, u := range files {
		switch {
		case strings.HasSuffix(u.Name, "_notes.txt"):
			txt = u.Name
		case strings.HasSuffix(u.Name, "_data.md"):
			csv = u.Name
		}
	}
	require.NotEmpty(t, txt, "files = %+v", files)
	require.NotEmpty(t, csv, "csv not converted: %+v", files)

	got := f.do(t, "alice", "GET", "/uploads/"+txt, nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "hello", got.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", "GET", "/uploads/missing.txt", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", "GET", "/uploads/..%2Fusers.json", nil).Code)
}

func TestTreeEndpoints(t *testing.T) {
	f := newFixture(t, agent.FakeScript{Stdout: []string{
		agentLine(t, map[string]any{"type": "message", "role": "assistant",
			"content": `{"question": "Who reads it?", "options": ["devs", "execs"]}`}),
	}})

	rec := f.do(t, "alice", "POST", "/tree", map[string]string{"goal": "release notes"})
	require.Equal(t, http.StatusCreated, rec.Code)
	tree := decode[prompttree.Session](t, rec)

	assert.Equal(t, http.StatusNotFound, f.do(t, "bob", "GET", "/tree/"+tree.ID, nil).Code)

	rec = f.do(t, "alice", "POST", "/tree/"+tree.ID+"/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	node := decode[prompttree.Node](t, rec)
	assert.Equal(t, "Who reads it?", node.Question)
	assert.Equal(t, []string{"devs", "execs"}, node.Options)

	rec = f.do(t, "alice", "POST", "/tree/"+tree.ID+"/answer", map[string]string{"node_id": node.ID, "answer": "devs"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[prompttree.Session](t, rec)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "devs", got.Nodes[0].Answer)

	rec = f.do(t, "alice", "POST", "/tree/"+tree.ID+"/answer", map[string]string{"node_id": "nope", "answer": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "alice", "DELETE", "/tree/"+tree.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", "GET", "/tree/"+tree.ID, nil).Code)
}

func TestPatternsEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "alice", "GET", "/patterns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, "alice", "POST", "/patterns/missing/apply", map[string]string{"input": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\a b.txt`: "a_b.txt",
		"..":                  "upload",
		"":                    "upload",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeName(in), "safeName(%q)", in)
	}
}
