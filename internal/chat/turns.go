package chat

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrStopped is the cancellation cause when the user presses stop.
	ErrStopped = errors.New("stopped by user")
	// ErrSuperseded is the cause when a newer turn replaces a running one.
	ErrSuperseded = errors.New("superseded by a newer turn")
)

const stoppedMessage = "[Stopped by user]"

// Turns tracks the one running turn per user.
type Turns struct {
	mu     sync.Mutex
	seq    uint64
	active map[string]turnEntry
}

type turnEntry struct {
	id     uint64
	cancel context.CancelCauseFunc
}

func NewTurns() *Turns {
	return &Turns{active: map[string]turnEntry{}}
}

// Begin registers a new turn for user, cancelling any turn already running
// for them. The returned release func unregisters the turn; it is a no-op if
// a newer turn has taken over.
func (t *Turns) Begin(ctx context.Context, user string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	t.mu.Lock()
	t.seq++
	id := t.seq
	if prev, ok := t.active[user]; ok {
		prev.cancel(ErrSuperseded)
	}
	t.active[user] = turnEntry{id: id, cancel: cancel}
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		if cur, ok := t.active[user]; ok && cur.id == id {
			delete(t.active, user)
		}
		t.mu.Unlock()
		cancel(nil)
	}
}

// Stop cancels the user's running turn. It reports whether there was one.
func (t *Turns) Stop(user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.active[user]
	if !ok {
		return false
	}
	cur.cancel(ErrStopped)
	delete(t.active, user)
	return true
}

// Running reports whether user has a turn in flight.
func (t *Turns) Running(user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[user]
	return ok
}
