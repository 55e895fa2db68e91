package providers

import (
	"fmt"
	"sort"
	"sync"

	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
)

// Registry maps provider names to implementations.
// The set passed to NewRegistry is remembered as the defaults so that tests
// can Swap in fakes and Reset afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaults  map[string]Provider
}

// NewRegistry creates a registry whose defaults are the given providers.
func NewRegistry(defaults ...Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(defaults)),
		defaults:  make(map[string]Provider, len(defaults)),
	}
	for _, p := range defaults {
		r.providers[p.Name()] = p
		r.defaults[p.Name()] = p
	}
	return r
}

// Register adds or replaces a provider without touching the defaults.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
// It fails with ErrProviderNotFound when nothing is registered.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", llmerrors.ErrProviderNotFound, name)
	}
	return p, nil
}

// Swap replaces the implementation registered under name and returns the
// previous one (nil if none). Intended for tests.
func (r *Registry) Swap(name string, p Provider) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.providers[name]
	r.providers[name] = p
	return prev
}

// Reset restores the registry to the providers it was constructed with.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]Provider, len(r.defaults))
	for name, p := range r.defaults {
		r.providers[name] = p
	}
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateModel checks that provider exists and serves model.
func (r *Registry) ValidateModel(provider, model string) error {
	p, err := r.Get(provider)
	if err != nil {
		return err
	}
	if !SupportsModel(p, model) {
		return fmt.Errorf("%w: %s/%s", llmerrors.ErrUnknownModel, provider, model)
	}
	return nil
}
