package gateway

import (
	"fmt"
	"sync"
)

// Registry maps driver keys to drivers and their effective capabilities.
// It is built at startup and injected where drivers are needed.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	caps    map[string]Capabilities
}

// NewRegistry registers drivers under their own keys.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver), caps: make(map[string]Capabilities)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds or replaces d.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Key()] = d
	r.caps[d.Key()] = d.Capabilities()
}

// Override replaces the capabilities recorded for key.
func (r *Registry) Override(key string, c Capabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDriver, key)
	}
	r.caps[key] = c
	return nil
}

// Driver returns the driver registered under key.
func (r *Registry) Driver(key string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, key)
	}
	return d, nil
}

// Capabilities returns the effective capabilities of key.
func (r *Registry) Capabilities(key string) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[key]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: %q", ErrUnknownDriver, key)
	}
	return c, nil
}
