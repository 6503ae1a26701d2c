package engine

import "sync"

// Registry holds the fixed set of engine adapters known to the process.
// It is populated once during startup wiring; a request for an unknown
// id resolves to the default engine rather than failing.
type Registry struct {
	mu      sync.RWMutex
	engines map[ID]Engine
	order   []ID
	def     ID
}

func NewRegistry(def ID) *Registry {
	return &Registry{
		engines: make(map[ID]Engine),
		def:     def,
	}
}

// Register adds an engine. Registering the same id twice replaces the
// earlier adapter.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.Identity().ID
	if _, exists := r.engines[id]; !exists {
		r.order = append(r.order, id)
	}
	r.engines[id] = e
}

// Get resolves an id, falling back to the default engine when the id is
// unknown or empty. The second return reports whether the id matched.
func (r *Registry) Get(id ID) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.engines[id]; ok {
		return e, true
	}
	return r.fallback(), false
}

// Default returns the fallback engine.
func (r *Registry) Default() Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback()
}

// fallback resolves the default id, or the first registered engine when
// the default id itself is unregistered. Callers hold r.mu.
func (r *Registry) fallback() Engine {
	if e, ok := r.engines[r.def]; ok {
		return e
	}
	if len(r.order) > 0 {
		return r.engines[r.order[0]]
	}
	return nil
}

// Identities lists registered engines in registration order.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idents := make([]Identity, 0, len(r.order))
	for _, id := range r.order {
		idents = append(idents, r.engines[id].Identity())
	}
	return idents
}

// ReleaseAll releases every registered adapter.
func (r *Registry) ReleaseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		e.Release()
	}
}
