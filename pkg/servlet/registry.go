package servlet

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/plumber/internal/perr"
)

// Factory constructs a fresh, un-initialized Servlet instance. Graph
// construction calls the factory once per node, then calls Init with
// that node's argv.
type Factory func() Servlet

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// RegisterType registers a servlet factory under name. Intended to run
// from a package's init(), the way built-in servlets self-register via
// blank import; panics on a duplicate name since that indicates a
// compile-time mistake, not a runtime condition.
func RegisterType(name string, factory Factory) {
	if name == "" {
		panic("servlet: type name cannot be empty")
	}
	if factory == nil {
		panic("servlet: factory cannot be nil")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("servlet: type %q already registered", name))
	}
	registry[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("servlet type %q: %w", name, perr.ErrInvalidArg)
	}
	return factory, nil
}

// List returns a sorted list of all registered servlet type names.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
