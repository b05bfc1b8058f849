package eventcore

import (
	"fmt"
	"sort"
	"sync"
)

// TypeRegistry maps event type names to factories. Each bus or serializer
// owns its own registry; there is no process-wide instance.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

// NewTypeRegistry creates a registry and registers every factory in fns.
//
// Parameters:
//   - fns: factories returning a fresh pointer to a concrete event type.
//
// Example Usage:
//
//	reg := NewTypeRegistry(
//	    func() Event { return &UserLoggedIn{} },
//	    func() Event { return &LoginFailed{} },
//	)
func NewTypeRegistry(fns ...func() Event) *TypeRegistry {
	r := &TypeRegistry{factories: make(map[string]func() Event)}
	for _, fn := range fns {
		if err := r.Register(fn); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a factory under the EventType of the instance it returns.
func (r *TypeRegistry) Register(fn func() Event) error {
	if fn == nil {
		return fmt.Errorf("register event: nil factory")
	}
	ev := fn()
	if ev == nil {
		return fmt.Errorf("register event: factory returned nil")
	}
	return r.RegisterName(ev.EventType(), fn)
}

// RegisterName adds a factory under a custom name.
func (r *TypeRegistry) RegisterName(name string, fn func() Event) error {
	if fn == nil {
		return fmt.Errorf("register event %q: nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("register event %q: %w", name, ErrDuplicateEventType)
	}
	r.factories[name] = fn
	return nil
}

// New returns a fresh instance of the event registered under name.
func (r *TypeRegistry) New(name string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("event %q: %w", name, ErrUnknownEventType)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", name)
	}
	return ev, nil
}

// Has reports whether name is registered.
func (r *TypeRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
