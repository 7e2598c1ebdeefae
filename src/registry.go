package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

// Setup outcomes surfaced to the operator. Invalid credentials and an
// unreachable API are distinct conditions: the first needs a new key, the
// second a retry.
var (
	ErrInvalidAuth = errors.New("onemeter API rejected the configured key")
	ErrNotReady    = errors.New("onemeter API not reachable")
)

// DeviceRuntime bundles everything serving one configured device.
type DeviceRuntime struct {
	Config      DeviceConfig
	Coordinator *Coordinator
	Publisher   *HAPublisher
}

// Registry tracks the per-device runtimes by device ID. Lifecycle is
// explicit: Add on setup, Remove on teardown.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*DeviceRuntime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: map[string]*DeviceRuntime{}}
}

// Add registers a runtime. A duplicate device ID is a config error.
func (r *Registry) Add(runtime *DeviceRuntime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[runtime.Config.ID]; exists {
		return fmt.Errorf("device %s already registered", runtime.Config.ID)
	}
	r.devices[runtime.Config.ID] = runtime
	return nil
}

// Get returns the runtime for a device ID.
func (r *Registry) Get(deviceID string) (*DeviceRuntime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.devices[deviceID]
	return runtime, ok
}

// Remove drops a runtime from the registry.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

// All returns the registered runtimes sorted by device ID.
func (r *Registry) All() []*DeviceRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtimes := make([]*DeviceRuntime, 0, len(r.devices))
	for _, runtime := range r.devices {
		runtimes = append(runtimes, runtime)
	}
	sort.Slice(runtimes, func(i, j int) bool {
		return runtimes[i].Config.ID < runtimes[j].Config.ID
	})
	return runtimes
}

// deviceLister is the slice of the API client setup validation needs.
type deviceLister interface {
	Devices(ctx context.Context) ([]onemeter.Device, error)
}

// ValidateCredentials checks the API key by listing the account's
// devices. A 401 maps to ErrInvalidAuth; any other failure maps to
// ErrNotReady so the caller can retry later. The device list is returned
// for discovery.
func ValidateCredentials(ctx context.Context, client deviceLister) ([]onemeter.Device, error) {
	devices, err := client.Devices(ctx)
	if err != nil {
		if errors.Is(err, onemeter.ErrAuth) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAuth, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return devices, nil
}
