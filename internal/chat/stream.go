package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/ehrlich-b/clichat/internal/protocol"
)

// errAbandoned cancels a turn whose consumer went away.
var errAbandoned = errors.New("stream abandoned by consumer")

// Stream delivers one turn's events in order. The consumer reads with Next
// (or C) until it reports false, then checks Err. A consumer that stops early
// must call Close, which also cancels the turn.
type Stream struct {
	ch     chan protocol.Event
	gone   chan struct{}
	goneMu sync.Once
	cancel context.CancelCauseFunc
	mu     sync.Mutex
	err    error
}

func newStream(cancel context.CancelCauseFunc) *Stream {
	return &Stream{
		ch:     make(chan protocol.Event, 64),
		gone:   make(chan struct{}),
		cancel: cancel,
	}
}

// send reports false once the consumer has closed the stream.
func (s *Stream) send(ev protocol.Event) bool {
	select {
	case <-s.gone:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.gone:
		return false
	}
}

func (s *Stream) close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

func (s *Stream) Next() (protocol.Event, bool) {
	ev, ok := <-s.ch
	return ev, ok
}

// C exposes the event channel for use in select.
func (s *Stream) C() <-chan protocol.Event {
	return s.ch
}

// Err is the turn's terminal error. Errors are also delivered in-band as
// error events, so most consumers can ignore it.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream and cancels the turn. Safe to call repeatedly
// and after the stream finished.
func (s *Stream) Close() {
	s.goneMu.Do(func() {
		close(s.gone)
		s.cancel(errAbandoned)
	})
}
