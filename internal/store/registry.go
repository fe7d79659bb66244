package store

import (
	"fmt"
	"sort"
)

// Factory creates a store instance from opaque config (backend-specific).
type Factory func(any) (Store, error)

var registry = map[string]Factory{}

// Register binds a backend name to its factory.
func Register(name string, f Factory) {
	registry[name] = f
}

// New returns a store instance by name.
func New(name string, cfg any) (Store, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("store backend not found: %s", name)
	}
	return f(cfg)
}

// Names lists registered backends, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
