package providers

import "sync"

// Registry maps call ids to their currently active backend connection.
// The switch coordinator swaps entries when a call changes provider;
// the end-call path uses it to release whatever is live.
type Registry struct {
	mu     sync.Mutex
	active map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]Adapter)}
}

// Register installs the active adapter for a call, replacing any previous
// entry and returning it (nil when none).
func (r *Registry) Register(callID string, a Adapter) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.active[callID]
	r.active[callID] = a
	return old
}

// Get returns the active adapter for a call, if any.
func (r *Registry) Get(callID string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[callID]
	return a, ok
}

// Remove drops and returns the active adapter for a call.
func (r *Registry) Remove(callID string) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.active[callID]
	delete(r.active, callID)
	return a
}

// Count reports how many calls currently hold a live connection.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
