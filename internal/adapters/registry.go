package adapters

import (
	"fmt"
	"sort"
	"sync"
)

// Status describes one registered adapter for the operator surface.
type Status struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Mocked     bool   `json:"mocked"`
}

// Registry maps adapter names to instances. The composition root builds
// it once at startup and passes adapter instances in; adapters hold no
// back-reference to the registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	mockMode bool
}

// NewRegistry creates an empty registry.
func NewRegistry(mockMode bool) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		mockMode: mockMode,
	}
}

// Register adds an adapter under its name.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter already registered: %s", name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get resolves an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("adapter not found: %s", name)
	}
	return adapter, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MockMode reports whether the global mock flag is set.
func (r *Registry) MockMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mockMode
}

// Statuses reports configured/mocked status per adapter, sorted by name.
func (r *Registry) Statuses(ec ExecutionContext) []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.adapters))
	for name, adapter := range r.adapters {
		out = append(out, Status{
			Name:       name,
			Configured: adapter.IsEnabled(ec),
			Mocked:     r.mockMode,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
