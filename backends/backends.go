// Package backends defines the device abstraction of the execution layer and
// the registry of available device implementations.
//
// A Backend owns storage on one device and moves tensors between the host and
// that storage. The linker uses it to honor device placement annotations:
// buffers of a node annotated with a device are allocated through that
// device's backend, with transfers inserted at the boundaries.
//
// Implementations register themselves in an init() function, so importing a
// backend package (usually anonymously) makes it available:
//
//	import _ "github.com/sympile/sympile/backends/host"
package backends

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
	"github.com/sympile/sympile/types/xslices"
)

// ErrDeviceUnavailable reports a device that is not registered or failed to
// initialize. Depending on configuration the caller falls back to the default
// device or aborts compilation.
var ErrDeviceUnavailable = errors.New("device unavailable")

// HostDeviceName is the name of the always-available in-process device.
const HostDeviceName = "host"

// Buffer is a tensor-shaped storage allocation owned by a Backend.
type Buffer interface {
	// Shape of the stored tensor.
	Shape() shapes.Shape

	// Finalize releases the storage. The buffer is invalid afterwards.
	Finalize()
}

// Backend is one device implementation.
type Backend interface {
	// Name of the device this backend drives.
	Name() string

	// Allocate creates a zero-initialized buffer for the given shape, which
	// must be fully defined.
	Allocate(shape shapes.Shape) (Buffer, error)

	// FromHost copies a host tensor into a new device buffer.
	FromHost(t *tensors.Tensor) (Buffer, error)

	// ToHost copies a device buffer into a new host tensor.
	ToHost(b Buffer) (*tensors.Tensor, error)

	// Synchronize blocks until all outstanding work on the device finished.
	Synchronize() error
}

// Constructor creates a Backend instance, or fails if the device cannot be
// initialized (driver missing, no hardware).
type Constructor func() (Backend, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Constructor)
)

// Register makes a backend constructor available under the given device name.
// Registering the same name twice panics: it is a wiring error.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registry[name]; found {
		panic(errors.Errorf("backends.Register: device %q registered twice", name))
	}
	registry[name] = ctor
}

// New initializes the backend for the given device name. It fails with
// ErrDeviceUnavailable if no such device is registered or its constructor
// fails.
func New(name string) (Backend, error) {
	registryMu.Lock()
	ctor, found := registry[name]
	registryMu.Unlock()
	if !found {
		return nil, errors.WithMessagef(ErrDeviceUnavailable, "device %q is not registered", name)
	}
	backend, err := ctor()
	if err != nil {
		return nil, errors.WithMessagef(ErrDeviceUnavailable, "device %q failed to initialize: %v", name, err)
	}
	return backend, nil
}

// IsAvailable reports whether a backend is registered under the given name.
func IsAvailable(name string) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	_, found := registry[name]
	return found
}

// List returns the registered device names, sorted.
func List() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := xslices.Keys(registry)
	sort.Strings(names)
	return names
}
