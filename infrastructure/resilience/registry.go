package resilience

import "sync"

// Registry lazily creates and retains one CircuitBreaker per key so that,
// per spec.md §4.4, source breakers are created on first execution of a
// source's tool and the token-exchange breaker is a process-wide singleton.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	notify   Notifier
	breakers map[string]*CircuitBreaker
}

// NewRegistry constructs a breaker registry sharing one Config and Notifier.
func NewRegistry(cfg Config, notify Notifier) *Registry {
	return &Registry{
		cfg:      cfg,
		notify:   notify,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for id, creating it with the given kind and
// sourceID if this is the first call for that id.
func (r *Registry) Get(kind Kind, id, sourceID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[id]; ok {
		return cb
	}
	cb := New(id, kind, sourceID, r.cfg, r.notify)
	r.breakers[id] = cb
	return cb
}

// Snapshot returns all currently known breakers, for the admin listing
// endpoint (GET /api/admin/circuit-breakers).
func (r *Registry) Snapshot() []*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	return out
}

// ByID looks up a single breaker, for ResetCircuitBreaker.
func (r *Registry) ByID(id string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[id]
	return cb, ok
}
