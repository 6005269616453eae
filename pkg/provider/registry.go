package provider

import (
	"fmt"
	"slices"
	"sync"

	"github.com/turingfp/micropay/pkg/errors"
)

// Constructor builds an adapter from its configuration.
type Constructor func(Config) (Adapter, error)

// Registry maps provider names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for name.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// New builds the adapter registered under name.
func (r *Registry) New(name string, cfg Config) (Adapter, error) {
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.ConfigurationError{
			Message: fmt.Sprintf("Unknown provider: %s", name),
			Err:     errors.ErrUnknownProvider,
		}
	}
	return c(cfg)
}
