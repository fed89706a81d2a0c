package driver

import (
	"context"
	"strings"
	"sync"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
)

// Device is a DeviceInfo qualified with its backend.
type Device struct {
	ID        string // "<backend>:<native id>"
	Name      string
	Backend   string
	IsDefault bool
}

// DeviceID joins a backend name and a backend-native device id.
func DeviceID(backend, nativeID string) string {
	return backend + ":" + nativeID
}

// SplitDeviceID is the inverse of DeviceID.
func SplitDeviceID(id string) (backend, nativeID string, ok bool) {
	backend, nativeID, ok = strings.Cut(id, ":")
	if !ok || backend == "" {
		return "", "", false
	}
	return backend, nativeID, true
}

// Registry holds the backends available to one device manager, in
// registration order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds b. Names must be unique.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return errors.Newf("audio backend %q already registered", name).
			Component("audiocore.driver").
			Category(errors.CategoryConflict).
			Build()
	}
	r.order = append(r.order, name)
	r.backends[name] = b
	return nil
}

// Backend returns the backend registered under name.
func (r *Registry) Backend(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns registered backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Devices enumerates every backend. Backends that fail are skipped; their
// names are returned in failed and their errors joined into err, alongside
// the devices of the backends that succeeded.
func (r *Registry) Devices(ctx context.Context) (devices []Device, failed []string, err error) {
	r.mu.RLock()
	backends := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		backends = append(backends, r.backends[name])
	}
	r.mu.RUnlock()

	var errs []error
	for _, b := range backends {
		infos, probeErr := b.Devices(ctx)
		if probeErr != nil {
			failed = append(failed, b.Name())
			errs = append(errs, errors.New(probeErr).
				Component("audiocore.driver").
				Category(errors.CategoryAudioDevice).
				Context("backend", b.Name()).
				Build())
			continue
		}
		for _, info := range infos {
			devices = append(devices, Device{
				ID:        DeviceID(b.Name(), info.ID),
				Name:      info.Name,
				Backend:   b.Name(),
				IsDefault: info.IsDefault,
			})
		}
	}
	return devices, failed, errors.Join(errs...)
}

// NewDriver creates a driver for a qualified device id.
func (r *Registry) NewDriver(id string) (Driver, error) {
	backendName, nativeID, ok := SplitDeviceID(id)
	if !ok {
		return nil, errors.New(audiocore.ErrUnknownDevice).
			Component("audiocore.driver").
			Context("device_id", id).
			Build()
	}
	b, ok := r.Backend(backendName)
	if !ok {
		return nil, errors.New(audiocore.ErrUnknownBackend).
			Component("audiocore.driver").
			Context("backend", backendName).
			Build()
	}
	return b.NewDriver(nativeID)
}
