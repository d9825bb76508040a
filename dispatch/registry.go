package dispatch

import (
	"context"
	"sync"
)

// Plugin is the dispatch contract: the dispatcher only needs an id and an
// invoke capability. Plugin business logic lives outside this module.
type Plugin interface {
	ID() string
	Handle(ctx context.Context, ev *Event) error
}

// Registry holds plugins in registration order with a per-plugin enabled
// flag. Iteration order is stable so one plugin's output can be observed as
// state by the next.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	plugins map[string]Plugin
	enabled map[string]bool
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		enabled: make(map[string]bool),
	}
}

// Register adds a plugin, enabled by default. Re-registering an id replaces
// the handler but keeps its position and enabled state.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, ok := r.plugins[id]; !ok {
		r.order = append(r.order, id)
		r.enabled[id] = true
	}
	r.plugins[id] = p
}

// SetEnabled toggles a plugin without removing it.
func (r *Registry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[id]; ok {
		r.enabled[id] = enabled
	}
}

// Enabled reports whether the plugin exists and is enabled.
func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[id]
}

// List returns the enabled plugins in registration order.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, id := range r.order {
		if r.enabled[id] {
			out = append(out, r.plugins[id])
		}
	}
	return out
}
