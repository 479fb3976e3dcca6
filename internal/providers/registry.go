package providers

import "sort"

type Registry struct {
	backends map[string]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	registry := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, backend := range backends {
		registry.backends[backend.Name()] = backend
	}
	return registry
}

func (r *Registry) Get(name string) (Backend, bool) {
	backend, ok := r.backends[name]
	return backend, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
