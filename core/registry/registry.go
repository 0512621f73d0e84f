// Package registry is the schema registry contract (spec.md §4.1): a static
// catalogue mapping event keys to EventDescriptors and endpoint names to
// EndpointDescriptors. The catalogue's content is an external collaborator
// per spec.md §1 — this package specifies the lookup contract and ships one
// concrete, minimal catalogue (see catalog.go) sufficient to build, test,
// and demo the EventSub/Helix cores end to end.
package registry

import (
	"fmt"
	"sync"

	"github.com/kaedren/twitchsub/core/domain"
)

// Registry is a thread-safe, in-memory schema registry (spec.md §4.1).
type Registry struct {
	mu        sync.RWMutex
	byKey     map[string]domain.EventDescriptor
	byTypeVer map[string]domain.EventDescriptor
	endpoints map[string]domain.EndpointDescriptor
}

// New builds an empty registry. Use RegisterEvent/RegisterEndpoint, or
// DefaultCatalog to start from the built-in catalogue.
func New() *Registry {
	return &Registry{
		byKey:     make(map[string]domain.EventDescriptor),
		byTypeVer: make(map[string]domain.EventDescriptor),
		endpoints: make(map[string]domain.EndpointDescriptor),
	}
}

// RegisterEvent adds or replaces an event descriptor.
func (r *Registry) RegisterEvent(d domain.EventDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byKey[d.Key]; ok {
		delete(r.byTypeVer, typeVerKey(old.Type, old.Version))
	}
	r.byKey[d.Key] = d
	r.byTypeVer[typeVerKey(d.Type, d.Version)] = d
}

// RegisterEndpoint adds or replaces an endpoint descriptor.
func (r *Registry) RegisterEndpoint(d domain.EndpointDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[d.Name] = d
}

// LookupByKey returns the event descriptor for an event key, or false if
// unregistered (spec.md §4.1 `lookupByKey`).
func (r *Registry) LookupByKey(key string) (domain.EventDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKey[key]
	return d, ok
}

// LookupByTypeAndVersion returns the event descriptor for a wire type and
// version, or false if unregistered (spec.md §4.1 `lookupByTypeAndVersion`).
func (r *Registry) LookupByTypeAndVersion(typ, version string) (domain.EventDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTypeVer[typeVerKey(typ, version)]
	return d, ok
}

// LookupEndpoint returns the endpoint descriptor for a Helix endpoint name.
func (r *Registry) LookupEndpoint(name string) (domain.EndpointDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.endpoints[name]
	return d, ok
}

// MustLookupEndpoint panics if name is unregistered; for use during client
// construction where an unknown endpoint name is a programming error, not a
// runtime condition.
func (r *Registry) MustLookupEndpoint(name string) domain.EndpointDescriptor {
	d, ok := r.LookupEndpoint(name)
	if !ok {
		panic(fmt.Sprintf("registry: endpoint %q not registered", name))
	}
	return d
}

// AllKeys returns every registered event key (spec.md §4.1 `allKeys`).
func (r *Registry) AllKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

func typeVerKey(typ, version string) string {
	return typ + "@" + version
}
