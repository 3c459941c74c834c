package store

import "sync"

// The acceptance test framework re-creates the provider between steps, so
// memory stores live in a process-wide registry keyed by name.
var (
	memoryRegistryMu sync.Mutex
	memoryRegistry   = make(map[string]*MemoryStore)
)

// GetOrCreateMemoryStore returns the MemoryStore registered under name,
// creating it on first use.
func GetOrCreateMemoryStore(name string) *MemoryStore {
	memoryRegistryMu.Lock()
	defer memoryRegistryMu.Unlock()

	if s, ok := memoryRegistry[name]; ok {
		return s
	}
	s := NewMemoryStore(name)
	memoryRegistry[name] = s
	return s
}

// ResetMemoryStores clears the registry. Call it in test cleanup.
func ResetMemoryStores() {
	memoryRegistryMu.Lock()
	defer memoryRegistryMu.Unlock()
	memoryRegistry = make(map[string]*MemoryStore)
}
