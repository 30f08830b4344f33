package agent

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry resolves capability references used by fleet members and
// workflow agent steps. It is constructed by the host and passed explicitly.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	logger       *zap.Logger
}

// NewRegistry creates an empty capability registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		capabilities: make(map[string]Capability),
		logger:       logger.With(zap.String("component", "capability_registry")),
	}
}

// Register binds a capability to a reference, replacing any previous binding.
func (r *Registry) Register(ref string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.capabilities[ref] = c
	r.logger.Info("capability registered", zap.String("ref", ref))
}

// Unregister removes a capability.
func (r *Registry) Unregister(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.capabilities, ref)
	r.logger.Info("capability unregistered", zap.String("ref", ref))
}

// Resolve returns the capability bound to ref.
func (r *Registry) Resolve(ref string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[ref]
	if !ok {
		return nil, fmt.Errorf("capability %q not registered", ref)
	}
	return c, nil
}

// Has reports whether ref is bound.
func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.capabilities[ref]
	return ok
}

// List returns all registered references in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.capabilities))
	for ref := range r.capabilities {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
