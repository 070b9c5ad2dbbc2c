package engine

import (
	"context"
	"testing"

	"github.com/loomchat/loom/internal/fault"
)

func TestActiveRegistryConflict(t *testing.T) {
	reg := NewActiveRegistry()

	ctx, err := reg.Start(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("fresh generation context must be live")
	}

	if _, err := reg.Start(context.Background(), "chat-1"); fault.KindOf(err) != fault.KindConflict {
		t.Errorf("expected conflict on second start, got %v", err)
	}

	// Other chats are independent.
	if _, err := reg.Start(context.Background(), "chat-2"); err != nil {
		t.Errorf("Start on another chat failed: %v", err)
	}
}

func TestActiveRegistryAbort(t *testing.T) {
	reg := NewActiveRegistry()
	ctx, _ := reg.Start(context.Background(), "chat-1")

	if !reg.Abort("chat-1") {
		t.Error("Abort should report a live generation")
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("abort must cancel the generation context")
	}

	// Idempotent, and a no-op for unknown chats.
	reg.Abort("chat-1")
	if reg.Abort("missing") {
		t.Error("Abort on unknown chat should report false")
	}
}

func TestActiveRegistryFinishAllowsRestart(t *testing.T) {
	reg := NewActiveRegistry()
	if _, err := reg.Start(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	reg.Finish("chat-1")
	if reg.Active("chat-1") {
		t.Error("Finish must remove the entry")
	}
	if _, err := reg.Start(context.Background(), "chat-1"); err != nil {
		t.Errorf("restart after Finish failed: %v", err)
	}
}

func TestActiveRegistryAbortAll(t *testing.T) {
	reg := NewActiveRegistry()
	ctx1, _ := reg.Start(context.Background(), "a")
	ctx2, _ := reg.Start(context.Background(), "b")

	reg.AbortAll()

	for _, ctx := range []context.Context{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		default:
			t.Error("AbortAll must cancel every live generation")
		}
	}
}
