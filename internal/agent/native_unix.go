//go:build unix

package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// probeNative checks that pipes created by os.Pipe accept deadlines, which
// means they are registered with the runtime poller.
func probeNative() error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("probe pipe: %w", err)
	}
	defer r.Close()
	defer w.Close()
	if err := r.SetReadDeadline(time.Now().Add(time.Minute)); err != nil {
		return fmt.Errorf("%w: %v", ErrNativeUnsupported, err)
	}
	return nil
}

type nativeBridge struct {
	log *slog.Logger
}

func newNativeBridge(log *slog.Logger) *nativeBridge {
	return &nativeBridge{log: log}
}

func (b *nativeBridge) Backend() Backend { return BackendNative }

func (b *nativeBridge) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		files = append(files, r, w)
		return r, w, nil
	}

	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &nativeProcess{
		cmd:    cmd,
		log:    b.log,
		stdin:  stdinW,
		stdout: newPipeReader(stdoutR),
		stderr: newPipeReader(stderrR),
		done:   make(chan struct{}),
	}
	go p.reap()
	b.log.Debug("spawned", "path", spec.Path, "pid", cmd.Process.Pid)
	return p, nil
}

type nativeProcess struct {
	cmd    *exec.Cmd
	log    *slog.Logger
	stdin  *os.File
	stdout *pipeReader
	stderr *pipeReader

	done     chan struct{}
	exitCode int
	waitErr  error

	stdinOnce sync.Once
	termOnce  sync.Once
	termErr   error
	closeOnce sync.Once
}

func (p *nativeProcess) reap() {
	err := p.cmd.Wait()
	p.exitCode, p.waitErr = exitStatus(err)
	close(p.done)
}

func (p *nativeProcess) Pid() int { return p.cmd.Process.Pid }

func (p *nativeProcess) Stdout() LineReader { return p.stdout }
func (p *nativeProcess) Stderr() LineReader { return p.stderr }

func (p *nativeProcess) WriteInput(ctx context.Context, data []byte) error {
	var err error
	p.stdinOnce.Do(func() {
		stop := context.AfterFunc(ctx, func() {
			p.stdin.SetWriteDeadline(time.Now())
		})
		defer stop()
		if len(data) > 0 {
			_, err = p.stdin.Write(data)
		}
		if cerr := p.stdin.Close(); err == nil {
			err = cerr
		}
		if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
			err = context.Cause(ctx)
		}
	})
	if err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (p *nativeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Terminate signals the whole process group so helpers spawned by the CLI
// go down with it.
func (p *nativeProcess) Terminate() error {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		pgid := p.cmd.Process.Pid
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			p.termErr = fmt.Errorf("terminate pid %d: %w", pgid, err)
			return
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(terminateGrace):
				p.log.Warn("process ignored SIGTERM, killing", "pid", pgid)
				unix.Kill(-pgid, unix.SIGKILL)
			}
		}()
	})
	return p.termErr
}

func (p *nativeProcess) Close() error {
	p.closeOnce.Do(func() {
		p.stdinOnce.Do(func() { p.stdin.Close() })
		p.stdout.f.Close()
		p.stderr.f.Close()
	})
	return nil
}

// pipeReader reads lines from a poller-backed pipe. Context cancellation is
// delivered by moving the read deadline into the past.
type pipeReader struct {
	mu      sync.Mutex
	f       *os.File
	br      *bufio.Reader
	partial string
}

func newPipeReader(f *os.File) *pipeReader {
	return &pipeReader{f: f, br: bufio.NewReaderSize(f, 64*1024)}
}

func (r *pipeReader) ReadLine(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.f.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		r.f.SetReadDeadline(time.Now())
	})
	defer stop()

	chunk, err := r.br.ReadString('\n')
	line := r.partial + chunk
	r.partial = ""
	switch {
	case err == nil:
		return trimEOL(line), nil
	case errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed):
		if line != "" {
			return trimEOL(line), nil
		}
		return "", io.EOF
	case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil:
		// Keep what was read so the next call resumes mid-line.
		r.partial = line
		return "", ctx.Err()
	default:
		return "", fmt.Errorf("read pipe: %w", err)
	}
}

func softTerminate(p *os.Process) error { return p.Signal(syscall.SIGTERM) }
