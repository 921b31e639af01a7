package dispatch

import (
	"context"
	"sync"
)

// Registry tracks in-flight dispatch contexts per user so that all
// outstanding calls for one user can be aborted at once.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	inflight map[string]map[uint64]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{inflight: make(map[string]map[uint64]context.CancelFunc)}
}

// Register derives a cancellable context for one dispatch and records it
// under the user. The returned done func must be called when the dispatch
// finishes, successfully or not.
func (r *Registry) Register(ctx context.Context, userID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	calls, ok := r.inflight[userID]
	if !ok {
		calls = make(map[uint64]context.CancelFunc)
		r.inflight[userID] = calls
	}
	calls[id] = cancel
	r.mu.Unlock()

	done := func() {
		cancel()
		r.mu.Lock()
		if calls, ok := r.inflight[userID]; ok {
			delete(calls, id)
			if len(calls) == 0 {
				delete(r.inflight, userID)
			}
		}
		r.mu.Unlock()
	}
	return ctx, done
}

// AbortUser cancels every in-flight dispatch for the user and returns how
// many were cancelled. In-flight calls fail fast with a cancellation error
// rather than completing.
func (r *Registry) AbortUser(userID string) int {
	r.mu.Lock()
	calls := r.inflight[userID]
	cancels := make([]context.CancelFunc, 0, len(calls))
	for _, cancel := range calls {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// InFlight returns the number of outstanding dispatches for the user.
func (r *Registry) InFlight(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight[userID])
}
