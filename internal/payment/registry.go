package payment

import (
	"fmt"
	"sort"
)

// Registry is the static provider lookup built at startup.
type Registry struct {
	adapters map[ProviderName]Adapter
}

// NewRegistry indexes adapters by name. A later adapter with the same name replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	reg := &Registry{adapters: make(map[ProviderName]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			reg.adapters[a.Name()] = a
		}
	}
	return reg
}

// Get resolves name, which is parsed case-insensitively.
func (r *Registry) Get(name string) (Adapter, error) {
	parsed, err := ParseProviderName(name)
	if err != nil {
		return nil, err
	}
	if r != nil {
		if a, ok := r.adapters[parsed]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not enabled", ErrUnknownProvider, parsed)
}

// Names returns the registered providers in lexical order.
func (r *Registry) Names() []ProviderName {
	if r == nil {
		return nil
	}
	names := make([]ProviderName, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
