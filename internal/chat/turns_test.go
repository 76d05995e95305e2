package chat

import (
	"context"
	"errors"
	"testing"
)

func TestTurnsBeginSupersedes(t *testing.T) {
	turns := NewTurns()
	first, releaseFirst := turns.Begin(context.Background(), "alice")
	second, releaseSecond := turns.Begin(context.Background(), "alice")
	defer releaseSecond()

	if !errors.Is(context.Cause(first), ErrSuperseded) {
		t.Errorf("first cause = %v, want ErrSuperseded", context.Cause(first))
	}
	releaseFirst()
	if !turns.Running("alice") {
		t.Error("releasing a superseded turn unregistered the newer one")
	}
	if second.Err() != nil {
		t.Errorf("second turn cancelled: %v", second.Err())
	}
}

func TestTurnsStop(t *testing.T) {
	turns := NewTurns()
	ctx, release := turns.Begin(context.Background(), "bob")
	defer release()
	if !turns.Stop("bob") {
		t.Fatal("Stop reported no running turn")
	}
	if !errors.Is(context.Cause(ctx), ErrStopped) {
		t.Errorf("cause = %v, want ErrStopped", context.Cause(ctx))
	}
	if turns.Stop("bob") {
		t.Error("second Stop should report nothing running")
	}
}
