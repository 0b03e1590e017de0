package tools

import (
	"sort"
	"sync"

	"github.com/moonbridge/moonbridge/pkg/types"
)

// Registry maps tool names to factories and applies the visibility policy.
// Tools register once at startup; per-call instances come from Resolve.
type Registry struct {
	deps Deps

	mu        sync.RWMutex
	factories map[string]Factory
	allow     map[string]bool
	deny      map[string]bool
}

// NewRegistry creates a tool registry. The allow list, when non-empty,
// restricts the callable set to exactly those names; the deny list removes
// names regardless of the allow list.
func NewRegistry(deps Deps, allowList, denyList []string) *Registry {
	r := &Registry{
		deps:      deps,
		factories: make(map[string]Factory),
	}
	if len(allowList) > 0 {
		r.allow = make(map[string]bool, len(allowList))
		for _, name := range allowList {
			r.allow[name] = true
		}
	}
	if len(denyList) > 0 {
		r.deny = make(map[string]bool, len(denyList))
		for _, name := range denyList {
			r.deny[name] = true
		}
	}
	return r
}

// Register adds a tool factory under its descriptor name
func (r *Registry) Register(factory Factory) {
	name := factory(r.deps).Describe().Name
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// permitted applies the allow/deny policy
func (r *Registry) permitted(name string) bool {
	if r.deny[name] {
		return false
	}
	if r.allow != nil && !r.allow[name] {
		return false
	}
	return true
}

// Resolve returns a fresh tool instance for a call. Unregistered or
// policy-excluded names fail as UnknownTool.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok || !r.permitted(name) {
		return nil, types.NewError(types.ErrUnknownTool, "unknown tool %q", name)
	}
	return factory(r.deps), nil
}

// Catalog returns the descriptors of the visible, permitted tools sorted by
// name, as served to list_tools.
func (r *Registry) Catalog() []types.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ToolDescriptor
	for name, factory := range r.factories {
		if !r.permitted(name) {
			continue
		}
		d := factory(r.deps).Describe()
		if d.Visibility == VisibilityHidden {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptors returns every registered descriptor regardless of visibility,
// used to compile the argument validator.
func (r *Registry) Descriptors() []types.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ToolDescriptor, 0, len(r.factories))
	for _, factory := range r.factories {
		out = append(out, factory(r.deps).Describe())
	}
	return out
}
