package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	pollInterval = 100 * time.Millisecond
	chunkSize    = 32 * 1024
)

// threadedBridge drives blocking exec.Cmd pipes with one goroutine per pipe.
// It works wherever os/exec does.
type threadedBridge struct {
	log *slog.Logger
}

func newThreadedBridge(log *slog.Logger) *threadedBridge {
	return &threadedBridge{log: log}
}

func (b *threadedBridge) Backend() Backend { return BackendThreaded }

func (b *threadedBridge) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	p := &threadedProcess{
		cmd:    cmd,
		log:    b.log,
		stdin:  stdin,
		stdout: newQueueReader(),
		stderr: newQueueReader(),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(stdout, p.stdout, &readers)
	go p.pump(stderr, p.stderr, &readers)
	go func() {
		// cmd.Wait closes the pipes, so it must run after both readers hit EOF.
		readers.Wait()
		p.exitCode, p.waitErr = exitStatus(cmd.Wait())
		p.exited.Store(true)
		close(p.done)
	}()
	b.log.Debug("spawned", "path", spec.Path, "pid", cmd.Process.Pid)
	return p, nil
}

type threadedProcess struct {
	cmd    *exec.Cmd
	log    *slog.Logger
	stdin  io.WriteCloser
	stdout *queueReader
	stderr *queueReader

	quit     chan struct{}
	quitOnce sync.Once

	done     chan struct{}
	exited   atomic.Bool
	exitCode int
	waitErr  error

	stdinOnce sync.Once
	termOnce  sync.Once
	termErr   error
}

// pump copies one pipe into its queue. After quit it keeps draining so the
// child never blocks on a full pipe, but drops the data.
func (p *threadedProcess) pump(r io.Reader, q *queueReader, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(q.ch)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case q.ch <- chunk:
			case <-p.quit:
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *threadedProcess) Pid() int { return p.cmd.Process.Pid }

func (p *threadedProcess) Stdout() LineReader { return p.stdout }
func (p *threadedProcess) Stderr() LineReader { return p.stderr }

func (p *threadedProcess) WriteInput(ctx context.Context, data []byte) error {
	errc := make(chan error, 1)
	started := false
	p.stdinOnce.Do(func() {
		started = true
		go func() {
			var err error
			if len(data) > 0 {
				_, err = p.stdin.Write(data)
			}
			if cerr := p.stdin.Close(); err == nil {
				err = cerr
			}
			errc <- err
		}()
	})
	if !started {
		return nil
	}
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("write stdin: %w", err)
		}
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Wait polls the exit flag so a caller's cancellation is observed within one
// poll interval.
func (p *threadedProcess) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if p.exited.Load() {
			return p.exitCode, p.waitErr
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *threadedProcess) Terminate() error {
	p.termOnce.Do(func() {
		p.quitOnce.Do(func() { close(p.quit) })
		if p.exited.Load() {
			return
		}
		if err := softTerminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.termErr = fmt.Errorf("terminate pid %d: %w", p.cmd.Process.Pid, err)
			return
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(terminateGrace):
				p.log.Warn("process ignored terminate, killing", "pid", p.cmd.Process.Pid)
				p.cmd.Process.Kill()
			}
		}()
	})
	return p.termErr
}

func (p *threadedProcess) Close() error {
	p.quitOnce.Do(func() { close(p.quit) })
	p.stdinOnce.Do(func() { p.stdin.Close() })
	return nil
}

// queueReader assembles lines from the chunks a pump goroutine delivers.
type queueReader struct {
	mu  sync.Mutex
	ch  chan []byte
	buf []byte
	eof bool
}

func newQueueReader() *queueReader {
	return &queueReader{ch: make(chan []byte, 64)}
}

func (q *queueReader) ReadLine(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if i := bytes.IndexByte(q.buf, '\n'); i >= 0 {
			line := string(q.buf[:i+1])
			q.buf = q.buf[i+1:]
			return trimEOL(line), nil
		}
		if q.eof {
			if len(q.buf) > 0 {
				line := string(q.buf)
				q.buf = nil
				return trimEOL(line), nil
			}
			return "", io.EOF
		}
		select {
		case chunk, ok := <-q.ch:
			if !ok {
				q.eof = true
				continue
			}
			q.buf = append(q.buf, chunk...)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
