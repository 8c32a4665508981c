package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a Capability implementation.
type Factory func() Capability

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a capability implementation available under the given
// name. Implementations register themselves in an init function; the CLI
// selects one by name at solver construction.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New constructs the capability registered under name.
func New(name string) (Capability, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown capability: %q (registered: %v)", name, Registered())
	}
	return factory(), nil
}

// Registered returns the names of all registered capabilities, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
