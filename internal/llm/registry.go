package llm

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Provider from its configuration.
type Factory func(cfg *ProviderConfig) (Provider, error)

// Registry maps provider ids to factories and caches built providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	built     map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		built:     make(map[string]Provider),
	}
}

// Register adds or replaces the factory for id and drops any cached instance.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
	delete(r.built, id)
}

// Known reports whether a factory is registered for id.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the provider for cfg.Name, building it on first use.
func (r *Registry) Get(cfg *ProviderConfig) (Provider, error) {
	if cfg == nil || cfg.Name == "" {
		return nil, fmt.Errorf("build provider: %w", ErrUnknownProvider)
	}

	r.mu.RLock()
	p, ok := r.built[cfg.Name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.built[cfg.Name]; ok {
		return p, nil
	}
	f, ok := r.factories[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("build provider %q: %w", cfg.Name, ErrUnknownProvider)
	}
	p, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", cfg.Name, err)
	}
	r.built[cfg.Name] = p
	return p, nil
}

// Invalidate drops the cached instance for id so the next Get rebuilds it
// with fresh credentials.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.built, id)
}
