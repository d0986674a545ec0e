package session

import (
	"sync"
)

// Registry tracks the live orchestrators by call ID. It refuses new
// registrations while draining so shutdown can converge.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Orchestrator
	draining bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Orchestrator)}
}

// Add registers a session. It returns false when the registry is
// draining or the call ID is already present.
func (r *Registry) Add(o *Orchestrator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	if _, ok := r.sessions[o.CallID()]; ok {
		return false
	}
	r.sessions[o.CallID()] = o
	return true
}

func (r *Registry) Get(callID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.sessions[callID]
	return o, ok
}

func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain stops accepting sessions and ends every live call. It does not
// wait for teardown grace periods; callers that need quiescence poll
// Count.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	live := make([]*Orchestrator, 0, len(r.sessions))
	for _, o := range r.sessions {
		live = append(live, o)
	}
	r.mu.Unlock()

	for _, o := range live {
		o.End()
	}
}
