// Package backend selects and constructs gpustream engines.
//
// Engine implementations register a factory from their init function; blank
// importing an implementation package is enough to make it selectable:
//
//	import (
//	    "github.com/gogpu/gpustream/backend"
//	    _ "github.com/gogpu/gpustream/backend/software"
//	)
//
//	eng, err := backend.Default()
package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpustream"
)

// Engine name constants.
const (
	// EngineSoftware is the name of the host-memory engine.
	EngineSoftware = "software"
	// EngineWgpu is the name of the GPU engine built on gogpu/wgpu.
	EngineWgpu = "wgpu"
)

// Registry errors.
var (
	// ErrNotRegistered is returned when the named engine has no factory.
	ErrNotRegistered = errors.New("backend: engine not registered")

	// ErrNoneAvailable is returned when no registered engine constructs
	// successfully.
	ErrNoneAvailable = errors.New("backend: no engine available")
)

// Factory creates a new engine instance, ready to use.
type Factory func() (gpustream.Engine, error)

// registry holds registered engine factories.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for default selection (first constructible wins).
	// Wgpu over software: use the GPU when one initializes.
	priority = []string{EngineWgpu, EngineSoftware}
)

// Register registers an engine factory under the given name. It is
// typically called from init functions in engine packages. A factory
// registered under an existing name replaces the old one.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes an engine from the registry. Useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered engine names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// IsRegistered reports whether an engine with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// New constructs the named engine.
func New(name string) (gpustream.Engine, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return factory()
}

// Default constructs the best available engine in priority order, falling
// back to any other registered engine when none of the prioritized ones
// construct.
func Default() (gpustream.Engine, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var firstErr error
	tried := make(map[string]bool)
	for _, name := range priority {
		factory, ok := factories[name]
		if !ok {
			continue
		}
		tried[name] = true
		eng, err := factory()
		if err == nil && eng != nil {
			return eng, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	for name, factory := range factories {
		if tried[name] {
			continue
		}
		eng, err := factory()
		if err == nil && eng != nil {
			return eng, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrNoneAvailable, firstErr)
	}
	return nil, ErrNoneAvailable
}

// MustDefault constructs the default engine or panics. Intended for demos
// and tests where no engine at all is unrecoverable.
func MustDefault() gpustream.Engine {
	eng, err := Default()
	if err != nil {
		panic("backend: no engine available: " + err.Error())
	}
	return eng
}
