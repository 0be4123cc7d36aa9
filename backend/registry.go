package backend

import (
	"sync"

	"github.com/gogpu/micromap"
	"github.com/gogpu/micromap/device"
)

// Factory creates a new device instance.
type Factory func() device.Device

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first available wins).
	// WGPU > Software (WGPU is the real GPU, Software is fallback).
	backendPriority = []string{BackendWGPU, BackendSoftware}
)

// Register registers a device factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns a list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get returns a device instance by name.
// Returns nil if the backend is not registered.
func Get(name string) device.Device {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := backends[name]
	if !ok {
		return nil
	}
	return factory()
}

// Default returns the best available device based on priority.
// Returns nil if no backends are registered.
func Default() device.Device {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range backendPriority {
		if factory, ok := backends[name]; ok {
			if dev := factory(); dev != nil {
				micromap.Logger().Info("backend: selected", "name", name)
				return dev
			}
		}
	}

	// Fallback: return first available
	for _, factory := range backends {
		if dev := factory(); dev != nil {
			return dev
		}
	}

	return nil
}

// MustDefault returns the default device or panics.
func MustDefault() device.Device {
	dev := Default()
	if dev == nil {
		panic("backend: no backend available")
	}
	return dev
}

// InitDefault returns the default device based on availability, as an
// error instead of nil for callers that propagate failures.
func InitDefault() (device.Device, error) {
	dev := Default()
	if dev == nil {
		return nil, ErrBackendNotAvailable
	}
	return dev, nil
}
