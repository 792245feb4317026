package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the closed set of execution backends keyed by infra type.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry under its infra type.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Resolve returns the backend for the given infra type.
func (r *Registry) Resolve(infraType string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[infraType]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", infraType)
	}
	return b, nil
}

// List returns the registered infra types, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
