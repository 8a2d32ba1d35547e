package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Factory builds a runtime for one deployment.
type Factory func() (Runtime, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Get(name string) (Runtime, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("runtime not registered: %s (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f()
}

// Names lists registered drivers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
