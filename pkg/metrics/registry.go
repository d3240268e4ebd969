package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps resource types to loader factories.
// It is populated at startup and sealed before queries are issued; after Seal
// lookups read an immutable map without locking.
type Registry struct {
	mu       sync.Mutex
	bindings map[ResourceType]LoaderFactory
	sealed   atomic.Pointer[map[ResourceType]LoaderFactory]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[ResourceType]LoaderFactory),
	}
}

// Register binds a loader factory to a resource type
func (r *Registry) Register(rt ResourceType, factory LoaderFactory) error {
	if factory == nil {
		return fmt.Errorf("failed to register loader for %q: nil factory", rt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() != nil {
		return fmt.Errorf("failed to register loader for %q: registry is sealed", rt)
	}
	if _, exists := r.bindings[rt]; exists {
		return &Error{Kind: ErrDuplicateBinding, ResourceType: rt}
	}
	r.bindings[rt] = factory
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(rt ResourceType, factory LoaderFactory) {
	if err := r.Register(rt, factory); err != nil {
		panic(err)
	}
}

// Seal freezes the registry. Further registrations fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() != nil {
		return
	}
	frozen := make(map[ResourceType]LoaderFactory, len(r.bindings))
	for rt, factory := range r.bindings {
		frozen[rt] = factory
	}
	r.sealed.Store(&frozen)
}

// Resolve returns the loader factory bound to a resource type
func (r *Registry) Resolve(rt ResourceType) (LoaderFactory, error) {
	var factory LoaderFactory
	var ok bool

	if frozen := r.sealed.Load(); frozen != nil {
		factory, ok = (*frozen)[rt]
	} else {
		r.mu.Lock()
		factory, ok = r.bindings[rt]
		r.mu.Unlock()
	}

	if !ok {
		return nil, &Error{Kind: ErrUnknownResourceType, ResourceType: rt}
	}
	return factory, nil
}

// Types lists the bound resource types in sorted order
func (r *Registry) Types() []ResourceType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]ResourceType, 0, len(r.bindings))
	for rt := range r.bindings {
		types = append(types, rt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
