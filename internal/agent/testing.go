package agent

import (
	"context"
	"errors"
	"io"
	"sync"
)

// FakeScript scripts one FakeBridge process.
type FakeScript struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
	// SpawnErr makes Spawn fail.
	SpawnErr error
	// Hang keeps stdout open after the scripted lines until Terminate.
	Hang bool
}

// FakeBridge replays scripted processes in order, for testing. Once the
// scripts run out the last one repeats.
type FakeBridge struct {
	mu      sync.Mutex
	scripts []FakeScript
	specs   []Spec
	procs   []*FakeProcess
}

func NewFakeBridge(scripts ...FakeScript) *FakeBridge {
	return &FakeBridge{scripts: scripts}
}

func (b *FakeBridge) Backend() Backend { return "fake" }

func (b *FakeBridge) Spawn(ctx context.Context, spec Spec) (Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specs = append(b.specs, spec)
	if len(b.scripts) == 0 {
		return nil, errors.New("fake bridge: no script")
	}
	i := len(b.specs) - 1
	if i >= len(b.scripts) {
		i = len(b.scripts) - 1
	}
	sc := b.scripts[i]
	if sc.SpawnErr != nil {
		return nil, sc.SpawnErr
	}
	p := &FakeProcess{
		pid:        1000 + len(b.specs),
		script:     sc,
		stdout:     &fakeLines{lines: sc.Stdout, hang: sc.Hang},
		stderr:     &fakeLines{lines: sc.Stderr},
		terminated: make(chan struct{}),
	}
	p.stdout.stop = p.terminated
	b.procs = append(b.procs, p)
	return p, nil
}

// Specs returns every spec passed to Spawn.
func (b *FakeBridge) Specs() []Spec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Spec(nil), b.specs...)
}

// Processes returns every process spawned so far.
func (b *FakeBridge) Processes() []*FakeProcess {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakeProcess(nil), b.procs...)
}

type FakeProcess struct {
	pid    int
	script FakeScript
	stdout *fakeLines
	stderr *fakeLines

	mu         sync.Mutex
	input      []byte
	termCalls  int
	termOnce   sync.Once
	terminated chan struct{}
}

func (p *FakeProcess) Pid() int           { return p.pid }
func (p *FakeProcess) Stdout() LineReader { return p.stdout }
func (p *FakeProcess) Stderr() LineReader { return p.stderr }
func (p *FakeProcess) Close() error       { return nil }

func (p *FakeProcess) WriteInput(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = append(p.input, data...)
	return nil
}

func (p *FakeProcess) Wait(ctx context.Context) (int, error) {
	if !p.script.Hang {
		return p.script.ExitCode, nil
	}
	select {
	case <-p.terminated:
		return -1, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.termCalls++
	p.mu.Unlock()
	p.termOnce.Do(func() { close(p.terminated) })
	return nil
}

// Input returns what was written to stdin.
func (p *FakeProcess) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.input)
}

// TerminateCalls counts Terminate invocations.
func (p *FakeProcess) TerminateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termCalls
}

// Terminated reports whether Terminate was called.
func (p *FakeProcess) Terminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}

type fakeLines struct {
	mu    sync.Mutex
	lines []string
	hang  bool
	stop  chan struct{}
}

func (f *fakeLines) ReadLine(ctx context.Context) (string, error) {
	f.mu.Lock()
	if len(f.lines) > 0 {
		line := f.lines[0]
		f.lines = f.lines[1:]
		f.mu.Unlock()
		return line, nil
	}
	f.mu.Unlock()
	if !f.hang {
		return "", io.EOF
	}
	select {
	case <-f.stop:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
