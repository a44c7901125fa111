package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory maps provider names to implementations.
// It is safe for concurrent use; registration normally happens once at startup.
type Factory struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{providers: make(map[string]Provider)}
}

// Register adds p under p.Name(). Registering a name twice replaces the earlier provider.
func (f *Factory) Register(p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[p.Name()] = p
}

// Lookup returns the provider registered under name.
func (f *Factory) Lookup(name string) (Provider, error) {
	f.mu.RLock()
	p, ok := f.providers[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Providers returns the registered names in sorted order.
func (f *Factory) Providers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateClient validates model against the named provider and returns a bound client.
// An empty model selects the provider's default.
func (f *Factory) CreateClient(providerName, model string, creds Credentials) (*Client, error) {
	p, err := f.Lookup(providerName)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = p.DefaultModel()
	}
	if err := p.ValidateModel(model); err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerName, err)
	}
	backend, err := p.NewBackend(model, creds)
	if err != nil {
		return nil, fmt.Errorf("provider %s: create backend for %s: %w", providerName, model, err)
	}
	return NewClient(providerName, model, backend), nil
}
