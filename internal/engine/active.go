package engine

import (
	"context"
	"sync"

	"github.com/loomchat/loom/internal/fault"
)

// ActiveRegistry tracks at most one live generation per chat and owns its
// cancellation.
type ActiveRegistry struct {
	mu   sync.Mutex
	live map[string]context.CancelFunc
}

func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{live: make(map[string]context.CancelFunc)}
}

// Start registers a generation for the chat and returns its context. A
// second generation on the same chat fails with conflict.
func (r *ActiveRegistry) Start(parent context.Context, chatID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.live[chatID]; exists {
		return nil, fault.New(fault.KindConflict, "generation already active for chat %s", chatID)
	}
	ctx, cancel := context.WithCancel(parent)
	r.live[chatID] = cancel
	return ctx, nil
}

// Abort signals the chat's live generation, if any. Idempotent.
func (r *ActiveRegistry) Abort(chatID string) bool {
	r.mu.Lock()
	cancel, ok := r.live[chatID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Finish removes the chat's entry. Always called in pipeline teardown.
func (r *ActiveRegistry) Finish(chatID string) {
	r.mu.Lock()
	cancel, ok := r.live[chatID]
	delete(r.live, chatID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// AbortAll signals every live generation. Used on shutdown; each pipeline's
// teardown removes its own entry.
func (r *ActiveRegistry) AbortAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.live))
	for _, cancel := range r.live {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Active reports whether a generation is live for the chat.
func (r *ActiveRegistry) Active(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[chatID]
	return ok
}
