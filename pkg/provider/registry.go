package provider

import (
	"sync"

	"github.com/moonbridge/moonbridge/pkg/types"
)

// Registry holds the configured providers in registration order. Model
// aliases are resolved first-match-wins across that order, so a model name
// claimed by two providers routes to whichever registered first.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]Provider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider. Registering the same name twice replaces the
// earlier instance but keeps its position in the order.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

// Get returns a provider by name
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns provider names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ResolveModel finds the provider owning a model alias
func (r *Registry) ResolveModel(model string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		p := r.providers[name]
		for _, alias := range p.Capabilities().Models {
			if alias == model {
				return p, true
			}
		}
	}
	return nil, false
}

// Capabilities returns the capability snapshot of every registered provider
func (r *Registry) Capabilities() []types.ProviderCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ProviderCapability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name].Capabilities())
	}
	return out
}

// Models returns ModelInfo rows for every model of every provider, used by
// the list_models operation
func (r *Registry) Models() []types.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ModelInfo
	seen := make(map[string]bool)
	for _, name := range r.order {
		caps := r.providers[name].Capabilities()
		for _, alias := range caps.Models {
			if seen[alias] {
				continue
			}
			seen[alias] = true
			out = append(out, types.ModelInfo{
				Name:          alias,
				Provider:      name,
				ContextWindow: caps.ContextWindow,
				Supports:      caps.Supports,
			})
		}
	}
	return out
}
