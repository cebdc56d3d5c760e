package dispatcher

import (
	"context"
	"sync"
)

// CancelRegistry tracks the context.CancelFunc for every subtask whose
// stream this process currently holds open (SSE dispatch only — websocket
// and HTTP-callback dispatch never block on an in-process loop, so they
// have nothing to register). A chat:cancel that lands on a different
// replica than the one streaming the response won't find an entry here;
// the StateStore cancellation flag is what reaches that case.
type CancelRegistry struct {
	mu    sync.Mutex
	funcs map[string]context.CancelFunc
}

// NewCancelRegistry builds an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{funcs: make(map[string]context.CancelFunc)}
}

// Register records cancel for subtaskID for the duration of the caller's
// stream and returns a func that must be deferred to remove it again.
func (r *CancelRegistry) Register(subtaskID string, cancel context.CancelFunc) (unregister func()) {
	r.mu.Lock()
	r.funcs[subtaskID] = cancel
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.funcs, subtaskID)
		r.mu.Unlock()
	}
}

// Cancel invokes the registered CancelFunc for subtaskID, if this process
// holds it, and reports whether it found one.
func (r *CancelRegistry) Cancel(subtaskID string) bool {
	r.mu.Lock()
	cancel, ok := r.funcs[subtaskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
