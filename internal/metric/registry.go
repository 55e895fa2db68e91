package metric

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPluginNotFound indicates no plugin is registered under an id.
var ErrPluginNotFound = errors.New("metric plugin not found")

// Registry holds the process's metric plugins keyed by id. One entry exists
// per id; registering an id again replaces it. All methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]Plugin
	defaults map[string]bool
	disabled map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:  make(map[string]Plugin),
		defaults: make(map[string]bool),
		disabled: make(map[string]bool),
	}
}

// Register adds p, replacing any plugin with the same id. The default flag
// is reset from p's Info.
func (r *Registry) Register(p Plugin) {
	info := p.Info()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[info.ID] = p
	if info.Default {
		r.defaults[info.ID] = true
	} else {
		delete(r.defaults, info.ID)
	}
}

// Unregister removes the plugin and its flags.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, id)
	delete(r.defaults, id)
	delete(r.disabled, id)
}

// Get returns the plugin registered under id.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) sorted(keep func(id string, p Plugin) bool) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for id, p := range r.plugins {
		if keep(id, p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info().ID < out[j].Info().ID })
	return out
}

// GetAll returns every plugin ordered by id.
func (r *Registry) GetAll() []Plugin {
	return r.sorted(func(string, Plugin) bool { return true })
}

// GetByCategory returns the plugins in category ordered by id.
func (r *Registry) GetByCategory(category Category) []Plugin {
	return r.sorted(func(_ string, p Plugin) bool { return p.Info().Category == category })
}

// GetDefaults returns the enabled default plugins ordered by id.
func (r *Registry) GetDefaults() []Plugin {
	return r.sorted(func(id string, _ Plugin) bool { return r.defaults[id] && !r.disabled[id] })
}

// SetDefault marks id as a default plugin.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	r.defaults[id] = true
	return nil
}

// RemoveDefault clears the default flag of id.
func (r *Registry) RemoveDefault(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defaults, id)
}

// IsDefault reports whether id is a default plugin.
func (r *Registry) IsDefault(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults[id]
}

// Disable excludes id from every evaluation until Enable is called.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	r.disabled[id] = true
	return nil
}

// Enable re-enables id.
func (r *Registry) Enable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, id)
}

// IsEnabled reports whether id is registered and not disabled.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[id]
	return ok && !r.disabled[id]
}

// Clear removes every plugin.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]Plugin)
	r.defaults = make(map[string]bool)
	r.disabled = make(map[string]bool)
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
