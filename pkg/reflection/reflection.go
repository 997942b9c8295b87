// Package reflection implements a thin, in-memory service/method
// descriptor registry. Servers populate a Registry at startup; a CLI or
// diagnostic caller queries it for the list of registered services and
// methods.
package reflection

import "sync"

// MethodDescriptor describes one RPC method within a service.
type MethodDescriptor struct {
	Name            string
	ClientStreaming bool
	ServerStreaming bool
}

// ServiceDescriptor describes one registered service and its methods.
type ServiceDescriptor struct {
	Name    string
	Methods []MethodDescriptor
}

// Registry is a thread-safe store of registered services, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	services map[string]ServiceDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]ServiceDescriptor)}
}

// Register adds or replaces a service's descriptor.
func (r *Registry) Register(svc ServiceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name] = svc
}

// Lookup returns the descriptor for a registered service, if any.
func (r *Registry) Lookup(name string) (ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// ListServices returns every registered service name.
func (r *Registry) ListServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// ListMethods returns the method descriptors for a registered service.
func (r *Registry) ListMethods(service string) ([]MethodDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[service]
	if !ok {
		return nil, false
	}
	return append([]MethodDescriptor(nil), svc.Methods...), true
}
