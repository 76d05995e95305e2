package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/metrics"
	"github.com/ehrlich-b/clichat/internal/protocol"
	"github.com/ehrlich-b/clichat/internal/session"
)

const (
	// reapTimeout bounds the wait after Terminate; the bridge escalates to
	// SIGKILL well before it.
	reapTimeout = 10 * time.Second
	maxStderr   = 64 * 1024
)

type Orchestrator struct {
	opts   Options
	bridge agent.Bridge
	store  session.Store
	turns  *Turns
	trunc  *truncator
	log    *slog.Logger
}

func New(bridge agent.Bridge, store session.Store, opts Options, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	log = log.With(slog.String("component", "chat"))
	return &Orchestrator{
		opts:   opts,
		bridge: bridge,
		store:  store,
		turns:  NewTurns(),
		trunc:  &truncator{dir: opts.UploadDir, urlDir: opts.UploadURL, limit: opts.TruncateLimit, log: log},
		log:    log,
	}
}

// Stop cancels the user's running turn.
func (o *Orchestrator) Stop(user string) bool {
	return o.turns.Stop(user)
}

// Running reports whether the user has a turn in flight.
func (o *Orchestrator) Running(user string) bool {
	return o.turns.Running(user)
}

// turn is the resolved state of one request.
type turn struct {
	req       Request
	sessionID string
	model     string
	tools     []string
	prompt    string
	extract   bool
}

// GenerateResponseStream starts a turn and returns its event stream. Every
// failure is reported in-band as an error event; the stream always ends.
func (o *Orchestrator) GenerateResponseStream(ctx context.Context, req Request) *Stream {
	release := func() {}
	if !req.Ephemeral && req.UserID != "" {
		ctx, release = o.turns.Begin(ctx, req.UserID)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	s := newStream(cancel)

	go func() {
		defer release()
		defer cancel(nil)
		finish := metrics.TurnStarted()
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("turn panicked", "user", req.UserID, "panic", r, "stack", string(debug.Stack()))
				s.send(protocol.Error{Message: fmt.Sprintf("internal error: %v", r)})
				finish(metrics.OutcomeError)
				s.close(fmt.Errorf("turn panicked: %v", r))
			}
		}()
		outcome, err := o.runTurn(ctx, req, s)
		finish(outcome)
		s.close(err)
	}()
	return s
}

func (o *Orchestrator) runTurn(ctx context.Context, req Request, s *Stream) (string, error) {
	t, err := o.prepare(ctx, req)
	if err != nil {
		s.send(protocol.Error{Message: err.Error()})
		return metrics.OutcomeError, err
	}
	if req.PlanMode {
		s.send(protocol.PlanStatus{Status: protocol.PlanActive})
		defer s.send(protocol.PlanStatus{Status: protocol.PlanCompleted})
	}

	tried := map[string]bool{}
	for attempt := 1; ; attempt++ {
		tried[t.model] = true
		res, err := o.attempt(ctx, t, s, attempt, tried)
		if err != nil {
			if ctx.Err() != nil {
				return o.interrupted(ctx, s)
			}
			o.log.Warn("turn failed", "user", req.UserID, "attempt", attempt, "err", err)
			s.send(protocol.Error{Message: err.Error()})
			return metrics.OutcomeError, err
		}
		switch {
		case res.switchTo != "":
			o.log.Info("model fallback", "user", req.UserID, "from", t.model, "to", res.switchTo)
			metrics.Fallback(t.model, res.switchTo)
			s.send(protocol.ModelSwitch{From: t.model, To: res.switchTo})
			s.send(protocol.AssistantText(fmt.Sprintf("\n\n*%s is unavailable right now, switching to %s...*\n\n", t.model, res.switchTo)))
			t.model = res.switchTo
		case res.exhausted:
			return metrics.OutcomeExhausted, nil
		case res.failed:
			return metrics.OutcomeError, nil
		default:
			return metrics.OutcomeOK, nil
		}
	}
}

// interrupted reports a cancelled turn according to why it was cancelled.
func (o *Orchestrator) interrupted(ctx context.Context, s *Stream) (string, error) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrStopped):
		s.send(protocol.AssistantText(stoppedMessage))
		return metrics.OutcomeStopped, nil
	case errors.Is(cause, ErrSuperseded):
		s.send(protocol.Error{Message: "Turn replaced by a newer message"})
	}
	return metrics.OutcomeStopped, cause
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (*turn, error) {
	t := &turn{req: req}
	rec := session.NewRecord()
	if req.UserID != "" && !req.Ephemeral {
		var err error
		rec, err = o.store.Get(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("load sessions: %w", err)
		}
	}

	switch req.Resume.mode {
	case resumeAuto:
		if !req.Ephemeral {
			t.sessionID = rec.ActiveSession
		}
	case resumeSession:
		if !req.Ephemeral && !rec.Owns(req.Resume.id) {
			return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, req.Resume.id)
		}
		t.sessionID = req.Resume.id
	}

	t.model = req.Model
	if t.model == "" {
		t.model = rec.Settings.DefaultModel
	}
	if t.model == "" {
		t.model = o.opts.DefaultModel
	}

	switch tools, ok := rec.SessionTools[t.sessionID]; {
	case t.sessionID != "" && ok:
		t.tools = tools
	case t.sessionID == "" && rec.PendingTools != nil:
		t.tools = rec.PendingTools
	default:
		t.tools = o.opts.DefaultTools
	}

	t.prompt = req.Prompt
	if !req.Ephemeral {
		t.prompt = withInstructions(req.Prompt, rec.Settings.InteractiveMode)
		t.extract = true
	}
	return t, nil
}

type attemptResult struct {
	switchTo  string
	failed    bool
	exhausted bool
}

func (o *Orchestrator) attempt(ctx context.Context, t *turn, s *Stream, attempt int, tried map[string]bool) (attemptResult, error) {
	inv := invocation{
		model:       t.model,
		tools:       t.tools,
		planMode:    t.req.PlanMode,
		yolo:        o.opts.Yolo,
		resume:      t.sessionID,
		includeDirs: o.opts.IncludeDirs,
		files:       t.req.Files,
	}
	o.log.Debug("starting agent", "user", t.req.UserID, "attempt", attempt, "model", t.model, "resume", t.sessionID)
	proc, err := o.bridge.Spawn(ctx, agent.Spec{Path: o.opts.Command, Args: inv.args(), Dir: o.opts.WorkDir, Env: o.opts.Env})
	if err != nil {
		return attemptResult{}, fmt.Errorf("failed to start %s: %w", o.opts.Command, err)
	}
	defer o.reap(proc)

	var stderr strings.Builder
	var g errgroup.Group
	g.Go(func() error {
		if err := proc.WriteInput(ctx, []byte(t.prompt)); err != nil && ctx.Err() == nil {
			o.log.Warn("write prompt", "pid", proc.Pid(), "err", err)
		}
		return nil
	})
	g.Go(func() error {
		collectStderr(ctx, proc.Stderr(), &stderr)
		return nil
	})

	var x *QuestionExtractor
	if t.extract {
		x = &QuestionExtractor{}
	}
	out := proc.Stdout()
	switchTo := ""
	for switchTo == "" {
		line, err := out.ReadLine(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			proc.Terminate()
			g.Wait()
			return attemptResult{}, err
		}
		switchTo = o.handleLine(ctx, t, s, x, line, attempt, tried)
	}
	if x != nil {
		visible, questions := x.Flush()
		emitAssistant(s, visible, true, questions)
	}
	if switchTo != "" {
		proc.Terminate()
		g.Wait()
		return attemptResult{switchTo: switchTo}, nil
	}

	g.Wait()
	code, err := proc.Wait(ctx)
	if err != nil {
		return attemptResult{}, fmt.Errorf("wait for %s: %w", o.opts.Command, err)
	}
	if code == 0 {
		return attemptResult{}, nil
	}

	errText := strings.TrimSpace(stderr.String())
	exhausted := false
	if IsCapacityError(errText) {
		if to := o.fallbackFor(t.model, attempt, tried); to != "" {
			return attemptResult{switchTo: to}, nil
		}
		exhausted = true
	}
	o.log.Warn("agent exited", "user", t.req.UserID, "code", code, "stderr", truncateLog(errText))
	s.send(protocol.ErrorWithCode(fmt.Sprintf("%s exited with code %d", o.opts.Command, code), code, errText))
	return attemptResult{failed: true, exhausted: exhausted}, nil
}

// handleLine processes one stdout line. It returns the model to fall back to
// when the line reports a capacity problem and a switch is allowed.
func (o *Orchestrator) handleLine(ctx context.Context, t *turn, s *Stream, x *QuestionExtractor, line string, attempt int, tried map[string]bool) string {
	if strings.TrimSpace(line) == "" {
		return ""
	}
	ev, err := protocol.Decode([]byte(line))
	if err != nil {
		ev = protocol.Raw{Content: line}
	}
	// init carries only ids and a model name; a random session id can
	// contain "404" or "429".
	if protocol.Kind(ev) != protocol.TypeInit && IsCapacityError(line) {
		if to := o.fallbackFor(t.model, attempt, tried); to != "" {
			return to
		}
	}

	switch e := ev.(type) {
	case protocol.Init:
		if e.SessionID != "" && t.sessionID == "" && !t.req.Ephemeral {
			o.captureSession(ctx, t, e.SessionID)
		}
	case protocol.ToolResult:
		ev = o.trunc.apply(e)
	case protocol.Message:
		if x != nil && e.Role == "assistant" {
			visible, questions := x.Feed(e.Content)
			emitAssistant(s, visible, e.Delta, questions)
			return ""
		}
	}
	s.send(ev)
	return ""
}

func emitAssistant(s *Stream, visible string, delta bool, questions []protocol.Question) {
	if visible != "" {
		s.send(protocol.Message{Role: "assistant", Content: visible, Delta: delta})
	}
	for _, q := range questions {
		s.send(q)
	}
}

// captureSession binds the CLI's new session id to the user's record and
// moves any staged tools or fork metadata onto it.
func (o *Orchestrator) captureSession(ctx context.Context, t *turn, id string) {
	t.sessionID = id
	title := AutoTitle(t.req.Prompt)
	err := o.store.Update(context.WithoutCancel(ctx), t.req.UserID, func(rec *session.Record) error {
		rec.AddSession(id)
		rec.ActiveSession = id
		if pf := rec.PendingFork; pf != nil {
			if err := rec.LinkFork(id, pf.Parent, pf.ForkPoint); err != nil {
				o.log.Warn("drop pending fork", "session", id, "parent", pf.Parent, "err", err)
			}
			if pf.Title != "" {
				rec.CustomTitles[id] = pf.Title
			}
			rec.SetTags(id, pf.Tags)
			if pf.Tools != nil {
				rec.SessionTools[id] = slices.Clone(pf.Tools)
			}
			rec.PendingFork = nil
		}
		if rec.PendingTools != nil {
			rec.SessionTools[id] = rec.PendingTools
			rec.PendingTools = nil
		}
		if _, ok := rec.CustomTitles[id]; !ok {
			rec.CustomTitles[id] = title
		}
		rec.SessionMetadata[id] = session.Metadata{OriginalTitle: title, Time: time.Now().UTC().Format(time.RFC3339)}
		return nil
	})
	if err != nil {
		o.log.Error("persist new session", "user", t.req.UserID, "session", id, "err", err)
		return
	}
	o.log.Info("session started", "user", t.req.UserID, "session", id, "title", title)
}

// reap terminates and waits for proc. It runs on every exit path.
func (o *Orchestrator) reap(proc agent.Process) {
	if err := proc.Terminate(); err != nil {
		o.log.Warn("terminate agent", "pid", proc.Pid(), "err", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	if _, err := proc.Wait(ctx); err != nil {
		o.log.Warn("wait for agent", "pid", proc.Pid(), "err", err)
	}
	proc.Close()
}

func collectStderr(ctx context.Context, r agent.LineReader, sb *strings.Builder) {
	for {
		line, err := r.ReadLine(ctx)
		if err != nil {
			return
		}
		if sb.Len() < maxStderr {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
}

func truncateLog(s string) string {
	if len(s) > 500 {
		return utf8Prefix(s, 500) + "..."
	}
	return s
}
