package retry

import "sync"

// Registry is a concurrent name -> *Retry map, symmetric in shape to
// breaker.Registry and ratelimiter.Registry.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	retries  map[string]*Retry
}

// NewRegistry returns a Registry that builds new Retry instances with
// defaults when none is supplied to Retry(name).
func NewRegistry(defaults Config) *Registry {
	return &Registry{defaults: defaults, retries: make(map[string]*Retry)}
}

// NewDefaultRegistry returns a Registry seeded with DefaultConfig().
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultConfig())
}

// Retry returns the named Retry, creating it with the registry's
// default configuration if it does not already exist.
func (r *Registry) Retry(name string) *Retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.retries[name]; ok {
		return rt
	}
	rt := New(name, r.defaults)
	r.retries[name] = rt
	return rt
}

// RetryWithConfig returns the named Retry if it already exists;
// otherwise creates it with cfg.
func (r *Registry) RetryWithConfig(name string, cfg Config) *Retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.retries[name]; ok {
		return rt
	}
	rt := New(name, cfg)
	r.retries[name] = rt
	return rt
}

// AllRetries returns a snapshot of every Retry currently registered.
func (r *Registry) AllRetries() []*Retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Retry, 0, len(r.retries))
	for _, rt := range r.retries {
		out = append(out, rt)
	}
	return out
}

// Remove deletes the named Retry from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, name)
}

// Replace atomically swaps the named Retry for a new instance built
// from cfg, returning it.
func (r *Registry) Replace(name string, cfg Config) *Retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := New(name, cfg)
	r.retries[name] = rt
	return rt
}

// SetDefaults updates the configuration used for Retry instances
// created by future Retry(name) calls. Existing instances are
// untouched.
func (r *Registry) SetDefaults(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = cfg
}
