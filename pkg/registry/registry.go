// Package registry is the lookup table through which workflow steps reach
// business services (billing, provisioning, notifications, ...).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownMethod is returned by a Service that has no method with the
// requested name.
var ErrUnknownMethod = errors.New("unknown method")

// Service is a handle exposing named methods. The engine never inspects a
// service beyond calling it.
type Service interface {
	Call(ctx context.Context, method string, params map[string]any) (any, error)
}

// Registry resolves a service by name.
type Registry interface {
	GetService(name string) (Service, bool)
}

// MethodFunc implements a single service method.
type MethodFunc func(ctx context.Context, params map[string]any) (any, error)

// Methods adapts a set of functions to the Service interface.
type Methods map[string]MethodFunc

func (m Methods) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	fn, ok := m[method]
	if !ok || fn == nil {
		return nil, errors.Wrapf(ErrUnknownMethod, "method '%s'", method)
	}
	return fn(ctx, params)
}

// MapRegistry is a Registry backed by a map. It is safe for concurrent lookups
// while services are registered.
type MapRegistry struct {
	mu       sync.RWMutex
	services map[string]Service
}

func New() *MapRegistry {
	return &MapRegistry{services: make(map[string]Service)}
}

// Register adds or replaces the service registered under name.
func (r *MapRegistry) Register(name string, svc Service) error {
	if len(name) == 0 {
		return errors.New("empty service name")
	}
	if svc == nil {
		return fmt.Errorf("service '%s' is nil", name)
	}
	r.mu.Lock()
	r.services[name] = svc
	r.mu.Unlock()
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *MapRegistry) MustRegister(name string, svc Service) {
	if err := r.Register(name, svc); err != nil {
		panic(err)
	}
}

func (r *MapRegistry) GetService(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns the registered service names in sorted order.
func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
