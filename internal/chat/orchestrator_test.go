package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/protocol"
	"github.com/ehrlich-b/clichat/internal/session"
)

func newTestOrchestrator(t *testing.T, opts Options, scripts ...agent.FakeScript) (*Orchestrator, *agent.FakeBridge, session.Store) {
	t.Helper()
	store, err := session.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	bridge := agent.NewFakeBridge(scripts...)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(bridge, store, opts, log), bridge, store
}

// collect drains s, failing the test if the turn does not finish.
func collect(t *testing.T, s *Stream) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.C():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			s.Close()
			t.Fatalf("turn did not finish; got %d events", len(events))
		}
	}
}

func line(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func initLine(t *testing.T, id string) string {
	return line(t, map[string]any{"type": "init", "session_id": id, "model": "pro"})
}

func assistantLine(t *testing.T, content string) string {
	return line(t, map[string]any{"type": "message", "role": "assistant", "content": content, "delta": true})
}

func ofType[E protocol.Event](events []protocol.Event) []E {
	var out []E
	for _, ev := range events {
		if e, ok := ev.(E); ok {
			out = append(out, e)
		}
	}
	return out
}

func assistantText(events []protocol.Event) string {
	var b strings.Builder
	for _, m := range ofType[protocol.Message](events) {
		if m.Role == "assistant" {
			b.WriteString(m.Content)
		}
	}
	return b.String()
}

func hasArgs(args []string, want ...string) bool {
	for i := 0; i+len(want) <= len(args); i++ {
		if slices.Equal(args[i:i+len(want)], want) {
			return true
		}
	}
	return false
}

func TestTurnCapturesNewSession(t *testing.T) {
	o, bridge, store := newTestOrchestrator(t, Options{Command: "agent-cli", DefaultModel: "pro"}, agent.FakeScript{
		Stdout: []string{
			initLine(t, "sess-1"),
			assistantLine(t, "Hello"),
			`{"type":"result","status":"success"}`,
		},
	})
	ctx := context.Background()

	events := collect(t, o.GenerateResponseStream(ctx, Request{UserID: "alice", Prompt: "Explain channels"}))
	if len(events) != 3 {
		t.Fatalf("events = %d (%v), want 3", len(events), events)
	}
	if _, ok := events[0].(protocol.Init); !ok {
		t.Errorf("events[0] = %T, want Init", events[0])
	}
	if got := assistantText(events); got != "Hello" {
		t.Errorf("assistant text = %q, want %q", got, "Hello")
	}
	if p, ok := events[2].(protocol.Passthrough); !ok || p.Type() != "result" {
		t.Errorf("events[2] = %#v, want result passthrough", events[2])
	}

	rec, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ActiveSession != "sess-1" || !rec.Owns("sess-1") {
		t.Errorf("active = %q, sessions = %v", rec.ActiveSession, rec.Sessions)
	}
	if got := rec.Title("sess-1"); got != "Explain channels" {
		t.Errorf("title = %q, want %q", got, "Explain channels")
	}
	if rec.SessionMetadata["sess-1"].Time == "" {
		t.Error("metadata time not cached")
	}

	specs := bridge.Specs()
	if specs[0].Path != "agent-cli" {
		t.Errorf("path = %q, want agent-cli", specs[0].Path)
	}
	if !hasArgs(specs[0].Args, "--output-format", "stream-json") || !hasArgs(specs[0].Args, "--model", "pro") {
		t.Errorf("args = %q", specs[0].Args)
	}
	if slices.Contains(specs[0].Args, "--resume") {
		t.Errorf("first turn should not resume: %q", specs[0].Args)
	}
	input := bridge.Processes()[0].Input()
	if !strings.HasPrefix(input, instructionOpen) || !strings.HasSuffix(input, "Explain channels") {
		t.Errorf("stdin = %q", input)
	}

	// The next turn continues the captured session.
	collect(t, o.GenerateResponseStream(ctx, Request{UserID: "alice", Prompt: "more"}))
	if !hasArgs(bridge.Specs()[1].Args, "--resume", "sess-1") {
		t.Errorf("second args = %q, want --resume sess-1", bridge.Specs()[1].Args)
	}
}

func TestTurnForwardsRawLines(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{}, agent.FakeScript{Stdout: []string{"", "Loaded cached credentials."}})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi"}))
	raws := ofType[protocol.Raw](events)
	if len(raws) != 1 || raws[0].Content != "Loaded cached credentials." {
		t.Errorf("raw events = %+v", raws)
	}
}

func TestTurnTruncatesToolOutput(t *testing.T) {
	dir := t.TempDir()
	full := strings.Repeat("x", 30)
	o, _, _ := newTestOrchestrator(t, Options{UploadDir: dir, TruncateLimit: 10}, agent.FakeScript{
		Stdout: []string{line(t, map[string]any{"type": "tool_result", "tool_id": "t1", "status": "success", "output": full})},
	})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "run"}))
	results := ofType[protocol.ToolResult](events)
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	tr := results[0]
	if tr.Output != strings.Repeat("x", 10)+truncatedSuffix {
		t.Errorf("output = %q", tr.Output)
	}
	if !strings.HasPrefix(tr.FullOutputPath, "/uploads/tool_output_") {
		t.Fatalf("full_output_path = %q", tr.FullOutputPath)
	}
	saved, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(tr.FullOutputPath, "/uploads/")))
	if err != nil {
		t.Fatalf("read saved output: %v", err)
	}
	if string(saved) != full {
		t.Errorf("saved = %q, want full output", saved)
	}
}

func TestTurnTruncationWithoutDisk(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	o, _, _ := newTestOrchestrator(t, Options{UploadDir: blocker, TruncateLimit: 4}, agent.FakeScript{
		Stdout: []string{line(t, map[string]any{"type": "tool_result", "tool_id": "t1", "output": "abcdefgh"})},
	})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "run"}))
	tr := ofType[protocol.ToolResult](events)[0]
	if tr.Output != "abcd"+truncatedSuffix+unsavedSuffix {
		t.Errorf("output = %q", tr.Output)
	}
	if tr.FullOutputPath != "" {
		t.Errorf("full_output_path = %q, want empty", tr.FullOutputPath)
	}
}

func TestTurnFallsBackOnCapacityEvent(t *testing.T) {
	opts := Options{DefaultModel: "pro", Fallbacks: map[string]string{"pro": "flash"}}
	o, bridge, _ := newTestOrchestrator(t, opts,
		agent.FakeScript{Stdout: []string{
			line(t, map[string]any{"type": "error", "message": "Quota exceeded for pro"}),
			assistantLine(t, "never shown"),
		}},
		agent.FakeScript{Stdout: []string{assistantLine(t, "ok")}},
	)
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi"}))

	switches := ofType[protocol.ModelSwitch](events)
	if len(switches) != 1 || switches[0] != (protocol.ModelSwitch{From: "pro", To: "flash"}) {
		t.Fatalf("model switches = %+v", switches)
	}
	text := assistantText(events)
	if !strings.Contains(text, "switching to flash") || !strings.HasSuffix(text, "ok") {
		t.Errorf("assistant text = %q", text)
	}
	if strings.Contains(text, "never shown") || len(ofType[protocol.Error](events)) != 0 {
		t.Errorf("failed attempt leaked output: %v", events)
	}
	procs := bridge.Processes()
	if len(procs) != 2 || !procs[0].Terminated() {
		t.Fatalf("processes = %d, first terminated = %v", len(procs), len(procs) > 0 && procs[0].Terminated())
	}
	if !hasArgs(bridge.Specs()[1].Args, "--model", "flash") {
		t.Errorf("retry args = %q", bridge.Specs()[1].Args)
	}
}

func TestTurnFallsBackOnCapacityExit(t *testing.T) {
	opts := Options{DefaultModel: "pro", Fallbacks: map[string]string{"pro": "flash"}}
	o, bridge, _ := newTestOrchestrator(t, opts,
		agent.FakeScript{Stderr: []string{"HTTP 429 Too Many Requests"}, ExitCode: 1},
		agent.FakeScript{Stdout: []string{assistantLine(t, "ok")}},
	)
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi"}))
	if n := len(ofType[protocol.ModelSwitch](events)); n != 1 {
		t.Errorf("model switches = %d, want 1", n)
	}
	if n := len(ofType[protocol.Error](events)); n != 0 {
		t.Errorf("errors = %d, want 0", n)
	}
	if len(bridge.Specs()) != 2 {
		t.Errorf("spawns = %d, want 2", len(bridge.Specs()))
	}
}

func TestTurnSwitchesModelAtMostOnce(t *testing.T) {
	opts := Options{DefaultModel: "pro", Fallbacks: map[string]string{"pro": "flash", "flash": "pro"}}
	o, bridge, _ := newTestOrchestrator(t, opts, agent.FakeScript{
		Stdout: []string{line(t, map[string]any{"type": "error", "message": "quota exceeded"})},
	})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi"}))
	if n := len(ofType[protocol.ModelSwitch](events)); n != 1 {
		t.Errorf("model switches = %d, want 1", n)
	}
	if n := len(bridge.Specs()); n != 2 {
		t.Errorf("spawns = %d, want 2", n)
	}
	errs := ofType[protocol.Error](events)
	if len(errs) != 1 || errs[0].Message != "quota exceeded" {
		t.Errorf("errors = %+v, want the final attempt's error", errs)
	}
}

func TestTurnReportsExitCode(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{Command: "agent-cli"}, agent.FakeScript{Stderr: []string{"boom"}, ExitCode: 2})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi"}))
	errs := ofType[protocol.Error](events)
	if len(errs) != 1 {
		t.Fatalf("errors = %+v", errs)
	}
	e := errs[0]
	if e.Message != "agent-cli exited with code 2" || e.ExitCode == nil || *e.ExitCode != 2 || e.Stderr != "boom" {
		t.Errorf("error = %+v", e)
	}
}

func TestTurnPlanModeBrackets(t *testing.T) {
	o, bridge, _ := newTestOrchestrator(t, Options{Yolo: true}, agent.FakeScript{Stdout: []string{assistantLine(t, "plan")}})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi", PlanMode: true}))
	if len(events) < 3 {
		t.Fatalf("events = %v", events)
	}
	if events[0] != (protocol.PlanStatus{Status: protocol.PlanActive}) {
		t.Errorf("first = %#v, want plan active", events[0])
	}
	if events[len(events)-1] != (protocol.PlanStatus{Status: protocol.PlanCompleted}) {
		t.Errorf("last = %#v, want plan completed", events[len(events)-1])
	}
	args := bridge.Specs()[0].Args
	if !hasArgs(args, "--approval-mode", "plan") || slices.Contains(args, "--yolo") {
		t.Errorf("args = %q", args)
	}
}

func TestStopInterruptsTurn(t *testing.T) {
	o, bridge, _ := newTestOrchestrator(t, Options{}, agent.FakeScript{
		Stdout: []string{assistantLine(t, "working")},
		Hang:   true,
	})
	s := o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "long job"})
	first, ok := s.Next()
	if !ok {
		t.Fatal("stream ended early")
	}
	if m, _ := first.(protocol.Message); m.Content != "working" {
		t.Fatalf("first = %#v", first)
	}
	if !o.Stop("alice") {
		t.Fatal("Stop found no running turn")
	}
	rest := collect(t, s)
	if got := assistantText(rest); got != stoppedMessage {
		t.Errorf("after stop = %q, want %q", got, stoppedMessage)
	}
	if !bridge.Processes()[0].Terminated() {
		t.Error("process not terminated")
	}
	if s.Err() != nil {
		t.Errorf("stream err = %v, want nil", s.Err())
	}
}

func TestNewTurnSupersedesRunningTurn(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{},
		agent.FakeScript{Stdout: []string{assistantLine(t, "first")}, Hang: true},
		agent.FakeScript{Stdout: []string{assistantLine(t, "second")}},
	)
	ctx := context.Background()
	first := o.GenerateResponseStream(ctx, Request{UserID: "alice", Prompt: "one"})
	if _, ok := first.Next(); !ok {
		t.Fatal("first stream ended early")
	}
	second := collect(t, o.GenerateResponseStream(ctx, Request{UserID: "alice", Prompt: "two"}))
	if got := assistantText(second); got != "second" {
		t.Errorf("second turn text = %q", got)
	}
	errs := ofType[protocol.Error](collect(t, first))
	if len(errs) != 1 || errs[0].Message != "Turn replaced by a newer message" {
		t.Errorf("first turn errors = %+v", errs)
	}
	if !errors.Is(first.Err(), ErrSuperseded) {
		t.Errorf("first err = %v, want ErrSuperseded", first.Err())
	}
}

func TestTurnExtractsQuestions(t *testing.T) {
	q := `{"type":"question","question":"Which?","options":["a","b"]}`
	o, _, _ := newTestOrchestrator(t, Options{}, agent.FakeScript{
		Stdout: []string{assistantLine(t, "Choose: "+q[:20]), assistantLine(t, q[20:])},
	})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi"}))
	qs := ofType[protocol.Question](events)
	if len(qs) != 1 || qs[0].Question != "Which?" || len(qs[0].Options) != 2 {
		t.Fatalf("questions = %+v", qs)
	}
	if got := assistantText(events); got != "Choose: " {
		t.Errorf("assistant text = %q", got)
	}
}

func TestCapturePromotesPendingState(t *testing.T) {
	o, bridge, store := newTestOrchestrator(t, Options{DefaultTools: []string{"shell"}}, agent.FakeScript{
		Stdout: []string{initLine(t, "sess-2")},
	})
	ctx := context.Background()
	err := store.Update(ctx, "alice", func(rec *session.Record) error {
		rec.AddSession("parent-1")
		rec.PendingFork = &session.PendingFork{Parent: "parent-1", ForkPoint: 2, Title: "Fork of plan", Tags: []string{"work", " ", "work"}, Tools: []string{"glob"}}
		rec.PendingTools = []string{"read_file"}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	collect(t, o.GenerateResponseStream(ctx, Request{UserID: "alice", Prompt: "continue", Resume: ResumeNew()}))
	if !hasArgs(bridge.Specs()[0].Args, "--allowed-tools", "read_file") {
		t.Errorf("args = %q, want pending tools", bridge.Specs()[0].Args)
	}

	rec, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.PendingFork != nil || rec.PendingTools != nil {
		t.Errorf("pending state not cleared: %+v %v", rec.PendingFork, rec.PendingTools)
	}
	if rec.SessionForks["sess-2"] != (session.ForkInfo{Parent: "parent-1", ForkPoint: 2}) {
		t.Errorf("fork edge = %+v", rec.SessionForks["sess-2"])
	}
	if got := rec.Title("sess-2"); got != "Fork of plan" {
		t.Errorf("title = %q", got)
	}
	if got := rec.Tags("sess-2"); !slices.Equal(got, []string{"work"}) {
		t.Errorf("tags = %q", got)
	}
	if got := rec.SessionTools["sess-2"]; !slices.Equal(got, []string{"read_file"}) {
		t.Errorf("tools = %q", got)
	}
}

func TestEmptyPendingToolsMeansNoTools(t *testing.T) {
	o, bridge, store := newTestOrchestrator(t, Options{DefaultTools: []string{"shell"}}, agent.FakeScript{})
	ctx := context.Background()
	if err := store.Update(ctx, "alice", func(rec *session.Record) error {
		rec.PendingTools = []string{}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	collect(t, o.GenerateResponseStream(ctx, Request{UserID: "alice", Prompt: "hi"}))
	if !hasArgs(bridge.Specs()[0].Args, "--allowed-tools", "none") {
		t.Errorf("args = %q", bridge.Specs()[0].Args)
	}
}

func TestResumeRequiresOwnership(t *testing.T) {
	o, bridge, _ := newTestOrchestrator(t, Options{}, agent.FakeScript{})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi", Resume: ResumeSession("someone-elses")}))
	errs := ofType[protocol.Error](events)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "session not found") {
		t.Errorf("errors = %+v", errs)
	}
	if len(bridge.Specs()) != 0 {
		t.Error("agent spawned for an unowned session")
	}
}

func TestSpawnFailureIsReported(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{Command: "agent-cli"}, agent.FakeScript{SpawnErr: errors.New("executable file missing")})
	events := collect(t, o.GenerateResponseStream(context.Background(), Request{UserID: "alice", Prompt: "hi"}))
	errs := ofType[protocol.Error](events)
	if len(errs) != 1 || !strings.HasPrefix(errs[0].Message, "failed to start agent-cli") {
		t.Errorf("errors = %+v", errs)
	}
}

func TestEphemeralTurnLeavesStoreAlone(t *testing.T) {
	o, bridge, store := newTestOrchestrator(t, Options{}, agent.FakeScript{
		Stdout: []string{initLine(t, "sess-9"), assistantLine(t, `{"type":"question","question":"kept?"}`)},
	})
	ctx := context.Background()
	events := collect(t, o.GenerateResponseStream(ctx, Request{UserID: "alice", Prompt: "hi", Resume: ResumeNew(), Ephemeral: true}))
	if n := len(ofType[protocol.Question](events)); n != 0 {
		t.Errorf("questions = %d, want none extracted", n)
	}
	rec, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Sessions) != 0 || rec.ActiveSession != "" {
		t.Errorf("record touched: %+v", rec)
	}
	if input := bridge.Processes()[0].Input(); input != "hi" {
		t.Errorf("stdin = %q, want bare prompt", input)
	}
}

func TestGenerateResponse(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{}, agent.FakeScript{Stdout: []string{
		assistantLine(t, "Hello "),
		assistantLine(t, "world"),
		"plain",
		line(t, map[string]any{"type": "error", "message": "bad"}),
	}})
	got := o.GenerateResponse(context.Background(), Request{UserID: "alice", Prompt: "hi"})
	if want := "Hello worldplain\n[Error: bad]"; got != want {
		t.Errorf("response = %q, want %q", got, want)
	}
}

type patternMap map[string]string

func (p patternMap) Lookup(name string) (string, bool) {
	body, ok := p[name]
	return body, ok
}

func TestApplyPattern(t *testing.T) {
	opts := Options{Patterns: patternMap{"summarize": "Summarize the text."}}
	o, bridge, _ := newTestOrchestrator(t, opts, agent.FakeScript{Stdout: []string{assistantLine(t, "Short.")}})
	ctx := context.Background()

	if got := o.ApplyPattern(ctx, "alice", "nope", "x", ""); got != "Error: Pattern 'nope' not found." {
		t.Errorf("missing pattern = %q", got)
	}
	if len(bridge.Specs()) != 0 {
		t.Fatal("missing pattern spawned the agent")
	}

	if got := o.ApplyPattern(ctx, "alice", "summarize", "long text", "flash"); got != "Short." {
		t.Errorf("result = %q, want %q", got, "Short.")
	}
	if input := bridge.Processes()[0].Input(); input != "Summarize the text.\n\nUSER INPUT:\nlong text" {
		t.Errorf("stdin = %q", input)
	}
	args := bridge.Specs()[0].Args
	if !hasArgs(args, "--model", "flash") || slices.Contains(args, "--resume") {
		t.Errorf("args = %q", args)
	}
}
