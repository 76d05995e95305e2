package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// RemoteSession is one entry of the CLI's own session list.
type RemoteSession struct {
	Index int
	Title string
	Time  string
	ID    string
}

// CLI runs the agent's management subcommands through a Bridge.
type CLI struct {
	bridge  Bridge
	command string
	dir     string
	env     []string
	log     *slog.Logger
}

// NewCLI builds the adapter. env is the complete child environment, as in
// Spec.Env; nil inherits the server's. It should match what chat turns use,
// since the CLI keeps its session store under paths taken from it.
func NewCLI(bridge Bridge, command, dir string, env []string, log *slog.Logger) *CLI {
	if log == nil {
		log = slog.Default()
	}
	return &CLI{bridge: bridge, command: command, dir: dir, env: env, log: log.With(slog.String("component", "cli"))}
}

// Command is the executable the CLI adapter launches.
func (c *CLI) Command() string { return c.command }

type cliResult struct {
	stdout string
	stderr string
	code   int
}

func (c *CLI) run(ctx context.Context, args ...string) (cliResult, error) {
	proc, err := c.bridge.Spawn(ctx, Spec{Path: c.command, Args: args, Dir: c.dir, Env: c.env})
	if err != nil {
		return cliResult{}, err
	}
	defer proc.Close()
	defer proc.Terminate()

	var out, errOut strings.Builder
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.WriteInput(gctx, nil) })
	g.Go(func() error { return drain(gctx, proc.Stdout(), &out) })
	g.Go(func() error { return drain(gctx, proc.Stderr(), &errOut) })
	if err := g.Wait(); err != nil {
		return cliResult{}, err
	}
	code, err := proc.Wait(ctx)
	if err != nil {
		return cliResult{}, err
	}
	return cliResult{stdout: out.String(), stderr: errOut.String(), code: code}, nil
}

func drain(ctx context.Context, r LineReader, sb *strings.Builder) error {
	for {
		line, err := r.ReadLine(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
}

// ListSessions runs `<cmd> --list-sessions`.
func (c *CLI) ListSessions(ctx context.Context) ([]RemoteSession, error) {
	res, err := c.run(ctx, "--list-sessions")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if res.code != 0 {
		return nil, fmt.Errorf("list sessions: exit %d: %s", res.code, strings.TrimSpace(res.stderr))
	}
	sessions := ParseSessionList(res.stdout)
	c.log.Debug("listed sessions", "count", len(sessions))
	return sessions, nil
}

// DeleteSession runs `<cmd> --delete-session <id>`.
func (c *CLI) DeleteSession(ctx context.Context, id string) error {
	res, err := c.run(ctx, "--delete-session", id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if res.code != 0 {
		return fmt.Errorf("delete session %s: exit %d: %s", id, res.code, strings.TrimSpace(res.stderr))
	}
	return nil
}

// Health runs `<cmd> --version` and returns the reported version.
func (c *CLI) Health(ctx context.Context) (string, error) {
	res, err := c.run(ctx, "--version")
	if err != nil {
		return "", fmt.Errorf("%s health check failed: %w", c.command, err)
	}
	if res.code != 0 {
		return "", fmt.Errorf("%s health check failed: exit %d", c.command, res.code)
	}
	return strings.TrimSpace(res.stdout), nil
}

// sessionLine matches `  3. Fix the parser (2 hours ago) [0b5c...-...]`.
var sessionLine = regexp.MustCompile(`^\s*(\d+)\.\s+(.*?)\s+\(([^()]*)\)\s+\[([0-9A-Za-z-]+)\]\s*$`)

// ParseSessionList extracts sessions from --list-sessions output, skipping
// headers and anything else that does not match.
func ParseSessionList(out string) []RemoteSession {
	var sessions []RemoteSession
	for _, line := range strings.Split(out, "\n") {
		m := sessionLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		sessions = append(sessions, RemoteSession{Index: idx, Title: m[2], Time: m[3], ID: m[4]})
	}
	return sessions
}
