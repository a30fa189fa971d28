package provider

import (
	"fmt"
	"strings"
)

// Registry holds the adapters that have credentials configured.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotConfigured, name)
}

// Default returns the highest-priority configured adapter.
func (r *Registry) Default() (Adapter, error) {
	for _, name := range PriorityOrder {
		if a, ok := r.adapters[name]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no payment provider has credentials", ErrNotConfigured)
}

// Resolve returns the named adapter, or the default one when name is empty.
func (r *Registry) Resolve(name string) (Adapter, error) {
	if strings.TrimSpace(name) == "" {
		return r.Default()
	}
	return r.Get(name)
}

// Names lists configured providers in priority order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for _, name := range PriorityOrder {
		if _, ok := r.adapters[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) Has(name string) bool {
	_, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	return ok
}
