package breaker

import "sync"

// Registry is a concurrent name -> *CircuitBreaker map. Breakers are
// created lazily on first lookup and held for the process lifetime;
// there is no eviction beyond the supplemental Remove/Replace calls.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	breakers map[string]*CircuitBreaker
}

// NewRegistry returns a Registry that builds new breakers with
// defaults when none is supplied to CircuitBreaker.
func NewRegistry(defaults Config) *Registry {
	return &Registry{defaults: defaults, breakers: make(map[string]*CircuitBreaker)}
}

// NewDefaultRegistry returns a Registry seeded with DefaultConfig().
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultConfig())
}

// CircuitBreaker returns the named breaker, creating it with the
// registry's default configuration if it does not already exist.
func (r *Registry) CircuitBreaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, r.defaults)
	r.breakers[name] = cb
	return cb
}

// CircuitBreakerWithConfig returns the named breaker if it already
// exists; otherwise creates it with cfg instead of the registry
// default. An existing breaker's configuration is never overwritten
// by a later call with a different cfg.
func (r *Registry) CircuitBreakerWithConfig(name string, cfg Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, cfg)
	r.breakers[name] = cb
	return cb
}

// AllCircuitBreakers returns a snapshot of every breaker currently
// registered.
func (r *Registry) AllCircuitBreakers() []*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	return out
}

// Remove deletes the named breaker from the registry. A later lookup
// by the same name creates a fresh instance. Remove does not affect
// any reference to the breaker already held by a caller.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Replace atomically swaps the named breaker for a new instance built
// from cfg, returning it. Existing holders of the old *CircuitBreaker
// keep operating against the retired instance.
func (r *Registry) Replace(name string, cfg Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := New(name, cfg)
	r.breakers[name] = cb
	return cb
}

// SetDefaults updates the configuration used for breakers created by
// future CircuitBreaker(name) calls. Existing breakers are untouched,
// matching the hot-reload contract: new instances only.
func (r *Registry) SetDefaults(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = cfg
}
