package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestParseSessionList(t *testing.T) {
	out := `Available sessions for this project (3):
  1. Fix the parser (2 hours ago) [0b5c6a8e-1111-4222-8333-444455556666]
  2. Why does (this) fail? (Just now) [7f1e2d3c-aaaa-4bbb-8ccc-ddddeeeeffff]
garbage line
  3. (5 days ago) [deadbeef]
`
	got := ParseSessionList(out)
	if len(got) != 2 {
		t.Fatalf("sessions = %+v, want 2", got)
	}
	if got[0].Index != 1 || got[0].Title != "Fix the parser" || got[0].Time != "2 hours ago" || got[0].ID != "0b5c6a8e-1111-4222-8333-444455556666" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Title != "Why does (this) fail?" || got[1].Time != "Just now" {
		t.Errorf("second = %+v", got[1])
	}
}

func TestCLIListSessions(t *testing.T) {
	fb := NewFakeBridge(FakeScript{Stdout: []string{"  1. Hello (1 minute ago) [abc-123]"}})
	cli := NewCLI(fb, "gemini", "/work", []string{"HOME=/srv/agent"}, nil)
	sessions, err := cli.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "abc-123" {
		t.Errorf("sessions = %+v", sessions)
	}
	specs := fb.Specs()
	if len(specs) != 1 || specs[0].Path != "gemini" || specs[0].Dir != "/work" || specs[0].Args[0] != "--list-sessions" ||
		len(specs[0].Env) != 1 || specs[0].Env[0] != "HOME=/srv/agent" {
		t.Errorf("spec = %+v", specs)
	}
}

func TestCLIDeleteSessionNonzeroExit(t *testing.T) {
	fb := NewFakeBridge(FakeScript{Stderr: []string{"no such session"}, ExitCode: 1})
	cli := NewCLI(fb, "gemini", "", nil, nil)
	err := cli.DeleteSession(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected error on nonzero exit")
	}
	args := fb.Specs()[0].Args
	if len(args) != 2 || args[0] != "--delete-session" || args[1] != "abc" {
		t.Errorf("args = %q", args)
	}
}

func TestCLIHealth(t *testing.T) {
	fb := NewFakeBridge(FakeScript{Stdout: []string{"0.9.1"}})
	v, err := NewCLI(fb, "gemini", "", nil, nil).Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if v != "0.9.1" {
		t.Errorf("version = %q, want %q", v, "0.9.1")
	}

	spawnErr := errors.New("exec: not found")
	fb = NewFakeBridge(FakeScript{SpawnErr: spawnErr})
	if _, err := NewCLI(fb, "gemini", "", nil, nil).Health(context.Background()); !errors.Is(err, spawnErr) {
		t.Errorf("health err = %v, want wrapped spawn error", err)
	}
}

func TestCLIRunsWithAgentEnvironment(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	script := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"v-$CLICHAT_AGENT_KEY\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	bridge := newThreadedBridge(slog.New(slog.DiscardHandler))
	env := []string{"CLICHAT_AGENT_KEY=from-config", "PATH=/usr/bin:/bin"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := NewCLI(bridge, script, "", env, nil).Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if v != "v-from-config" {
		t.Errorf("version = %q, want %q", v, "v-from-config")
	}
}

func writeTranscript(t *testing.T, dir, name, id string, n int) {
	t.Helper()
	msgs := make([]map[string]any, n)
	for i := range msgs {
		msgs[i] = map[string]any{"id": i, "type": "user", "content": "m"}
	}
	data, _ := json.Marshal(map[string]any{"sessionId": id, "projectHash": "ph", "messages": msgs})
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTranscriptsFork(t *testing.T) {
	root := t.TempDir()
	chats := filepath.Join(root, "tmp", "ph", "chats")
	writeTranscript(t, chats, "session-a.json", "orig", 5)
	writeTranscript(t, chats, "session-b.json", "other", 2)

	tr := NewTranscripts(root)
	ctx := context.Background()
	path, err := tr.Fork(ctx, "orig", "12345678-new", 2)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if filepath.Dir(path) != chats {
		t.Errorf("fork written to %s, want dir %s", path, chats)
	}

	forked, err := tr.Load(ctx, "12345678-new")
	if err != nil {
		t.Fatalf("load fork: %v", err)
	}
	if len(forked.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(forked.Messages))
	}
	if string(forked.doc["projectHash"]) != `"ph"` {
		t.Errorf("projectHash = %s, want preserved", forked.doc["projectHash"])
	}

	orig, err := tr.Load(ctx, "orig")
	if err != nil {
		t.Fatalf("load orig: %v", err)
	}
	if len(orig.Messages) != 5 {
		t.Errorf("original modified: %d messages", len(orig.Messages))
	}
}

func TestTranscriptsForkPastEndKeepsAll(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "s.json", "orig", 2)
	tr := NewTranscripts(root)
	if _, err := tr.Fork(context.Background(), "orig", "copy", 10); err != nil {
		t.Fatalf("fork: %v", err)
	}
	forked, err := tr.Load(context.Background(), "copy")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(forked.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(forked.Messages))
	}
}

func TestTranscriptsNotFound(t *testing.T) {
	tr := NewTranscripts(t.TempDir())
	if _, err := tr.Locate(context.Background(), "missing"); !errors.Is(err, ErrTranscriptNotFound) {
		t.Errorf("err = %v, want ErrTranscriptNotFound", err)
	}
	if _, err := NewTranscripts(filepath.Join(t.TempDir(), "nope")).Locate(context.Background(), "x"); !errors.Is(err, ErrTranscriptNotFound) {
		t.Errorf("missing root err = %v, want ErrTranscriptNotFound", err)
	}
}
