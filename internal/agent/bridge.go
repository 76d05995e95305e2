// Package agent runs the external agent CLI. A Bridge spawns one process per
// chat turn and exposes its pipes as line readers; CLI and Transcripts cover
// the management commands and checkpoint files the CLI leaves behind.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Backend selects how subprocess pipes are driven.
type Backend string

const (
	BackendAuto     Backend = "auto"
	BackendNative   Backend = "native"
	BackendThreaded Backend = "threaded"
)

// terminateGrace is how long a process gets between SIGTERM and SIGKILL.
const terminateGrace = 3 * time.Second

// ErrNativeUnsupported is returned by the capability probe on platforms
// without poller-backed pipes.
var ErrNativeUnsupported = errors.New("native pipe backend not supported on this platform")

// Spec describes one process launch. A nil Env inherits the server's
// environment.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// LineReader yields newline-delimited lines with the terminator stripped.
// End of stream is ("", io.EOF); a final unterminated line is returned first.
type LineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

// Process is a running agent subprocess.
type Process interface {
	Pid() int
	// WriteInput writes data to stdin and closes it.
	WriteInput(ctx context.Context, data []byte) error
	Stdout() LineReader
	Stderr() LineReader
	// Wait blocks until exit. A process killed by a signal reports -1.
	Wait(ctx context.Context) (int, error)
	// Terminate is idempotent and safe after the process has exited.
	Terminate() error
	// Close releases pipe handles. Call after Wait.
	Close() error
}

// Bridge launches agent processes.
type Bridge interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
	Backend() Backend
}

// ParseBackend maps a config value to a Backend. Empty means auto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendNative, BackendThreaded:
		return b, nil
	default:
		return "", fmt.Errorf("unknown bridge backend %q (want auto, native or threaded)", s)
	}
}

// NewBridge builds the requested backend. Auto probes for poller-backed pipes
// and falls back to the threaded backend; the choice is fixed for the life
// of the Bridge.
func NewBridge(backend Backend, log *slog.Logger) (Bridge, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "bridge"))

	switch backend {
	case BackendNative:
		if err := probeNative(); err != nil {
			return nil, err
		}
		return newNativeBridge(log), nil
	case BackendThreaded:
		return newThreadedBridge(log), nil
	case "", BackendAuto:
		if err := probeNative(); err != nil {
			log.Warn("native pipes unavailable, using threaded backend", "err", err)
			return newThreadedBridge(log), nil
		}
		return newNativeBridge(log), nil
	default:
		return nil, fmt.Errorf("unknown bridge backend %q", backend)
	}
}

func trimEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

// exitStatus converts cmd.Wait's result into an exit code. Nonzero exits are
// not errors; only failures to wait are.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return -1, err
}
