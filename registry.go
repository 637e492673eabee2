package vcdb

import (
	"errors"
	"fmt"
	"sync"
)

// registryGrowth is the number of slots the registry grows by when full.
const registryGrowth = 5

// ErrEngineExists is returned when registering a name that is already taken.
var ErrEngineExists = errors.New("vcdb: engine already registered")

type registryEntry struct {
	name   string
	engine Engine
}

// Registry maps engine names to engines.
type Registry struct {
	mu      sync.RWMutex
	entries []registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry that engine packages
// register themselves with.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds eng under name. Names are unique: a second registration of
// the same name fails with ErrEngineExists and leaves the first in place.
func (r *Registry) Register(name string, eng Engine) error {
	if name == "" || eng == nil {
		return ErrInvalidParameter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.name == name {
			return fmt.Errorf("%w: %s", ErrEngineExists, name)
		}
	}

	if len(r.entries) == cap(r.entries) {
		grown := make([]registryEntry, len(r.entries), cap(r.entries)+registryGrowth)
		copy(grown, r.entries)
		r.entries = grown
	}
	r.entries = append(r.entries, registryEntry{name: name, engine: eng})
	return nil
}

// Lookup returns the engine registered under name. A missing engine is not
// an error; ok is false.
func (r *Registry) Lookup(name string) (eng Engine, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.name == name {
			return e.engine, true
		}
	}
	return nil, false
}

// Unregister removes name from the registry. It reports whether the name
// was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.name == name {
			copy(r.entries[i:], r.entries[i+1:])
			r.entries[len(r.entries)-1] = registryEntry{}
			r.entries = r.entries[:len(r.entries)-1]
			return true
		}
	}
	return false
}

// Engines returns the registered names in registration order.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Register adds eng to the default registry.
func Register(name string, eng Engine) error {
	return defaultRegistry.Register(name, eng)
}

// MustRegister is Register for package init functions. It panics on failure.
func MustRegister(name string, eng Engine) {
	if err := Register(name, eng); err != nil {
		panic(err)
	}
}

// Lookup finds an engine in the default registry.
func Lookup(name string) (Engine, bool) {
	return defaultRegistry.Lookup(name)
}

// Engines lists the engines in the default registry.
func Engines() []string {
	return defaultRegistry.Engines()
}
