package device

import (
	"fmt"
	"sort"
	"sync"
)

// Directory resolves device IDs handed out by the topology provider.
type Directory interface {
	Lookup(id int) (*Device, bool)
}

// Registry is an in-memory, thread-safe Directory.
type Registry struct {
	mu      sync.RWMutex
	devices map[int]*Device
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[int]*Device)}
}

// Add registers d. It returns an error if the ID is already taken.
func (r *Registry) Add(d *Device) error {
	if d == nil {
		return fmt.Errorf("device is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[d.ID]; exists {
		return fmt.Errorf("device with ID %d already exists", d.ID)
	}
	r.devices[d.ID] = d
	return nil
}

// Lookup returns the device with the given ID.
func (r *Registry) Lookup(id int) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// All returns every registered device ordered by ID.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
