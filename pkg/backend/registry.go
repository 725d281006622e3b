package backend

import (
	"fmt"
	"sort"
)

// Factory constructs a backend around a runner.
type Factory func(runner CommandRunner) Backend

// factories lists every supported backend.
var factories = map[string]Factory{
	"pacman":  func(r CommandRunner) Backend { return NewPacman(r) },
	"yay":     func(r CommandRunner) Backend { return NewYay(r) },
	"paru":    func(r CommandRunner) Backend { return NewParu(r) },
	"apt":     func(r CommandRunner) Backend { return NewApt(r) },
	"dnf":     func(r CommandRunner) Backend { return NewDnf(r) },
	"zypper":  func(r CommandRunner) Backend { return NewZypper(r) },
	"flatpak": func(r CommandRunner) Backend { return NewFlatpak(r) },
	"snap":    func(r CommandRunner) Backend { return NewSnap(r) },
	"cargo":   func(r CommandRunner) Backend { return NewCargo(r) },
	"npm":     func(r CommandRunner) Backend { return NewNpm(r) },
	"pip":     func(r CommandRunner) Backend { return NewPip(r) },
}

// DefaultPriority is the default backend order: native managers first, then
// AUR helpers, universal formats and language ecosystems.
var DefaultPriority = []string{
	"pacman", "apt", "dnf", "zypper", "yay", "paru",
	"flatpak", "snap", "cargo", "npm", "pip",
}

// Supported returns the names of every supported backend, sorted.
func Supported() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds the configured backends in priority order.
type Registry struct {
	backends map[string]Backend
	order    []string
}

// NewRegistry builds a registry from a priority list. Names not present in
// priority are not registered; disabled names are skipped.
func NewRegistry(runner CommandRunner, priority []string, disabled map[string]bool) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend)}
	for _, name := range priority {
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown backend: %s", name)
		}
		if disabled[name] {
			continue
		}
		if _, dup := r.backends[name]; dup {
			continue
		}
		r.backends[name] = factory(runner)
		r.order = append(r.order, name)
	}
	return r, nil
}

// NewRegistryFromBackends builds a registry from explicit backends, in order.
func NewRegistryFromBackends(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		if _, dup := r.backends[b.Name()]; dup {
			continue
		}
		r.backends[b.Name()] = b
		r.order = append(r.order, b.Name())
	}
	return r
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// All returns the backends in priority order.
func (r *Registry) All() []Backend {
	out := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Names returns the backend names in priority order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// OfKind returns the names of backends of the given kind in priority order.
func (r *Registry) OfKind(kind Kind) []string {
	var out []string
	for _, name := range r.order {
		if r.backends[name].Kind() == kind {
			out = append(out, name)
		}
	}
	return out
}

// Priority returns the position of name in the priority order, or len(order)
// for unknown backends.
func (r *Registry) Priority(name string) int {
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return len(r.order)
}
