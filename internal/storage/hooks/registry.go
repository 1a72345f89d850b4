package hooks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/OpenLiberty/open-liberty-sub342/internal/storage"
)

// Constructor builds a factory.
type Constructor func() storage.HookFactory

var (
	mu       sync.RWMutex
	registry = map[string]Constructor{
		DigestKey: func() storage.HookFactory { return NewDigest() },
	}
)

// Register adds a named constructor. Registering a name twice panics.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("hooks: duplicate registration of " + name)
	}
	registry[name] = c
}

// Names returns the registered hook names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig builds factories for names in order.
func FromConfig(names []string) ([]storage.HookFactory, error) {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]storage.HookFactory, 0, len(names))
	for _, name := range names {
		c, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown storage hook %q", name)
		}
		out = append(out, c())
	}
	return out, nil
}
