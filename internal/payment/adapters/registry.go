package adapters

import (
	"sort"

	"github.com/smallbiznis/bookline/internal/payment/domain"
)

// Registry holds the callback adapter factory of each mobile-money provider,
// keyed by canonical provider name.
type Registry struct {
	factories map[string]domain.AdapterFactory
}

// NewRegistry registers factories under their canonical provider name.
// Factories naming a provider bookline does not collect through are skipped.
func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: make(map[string]domain.AdapterFactory, len(factories))}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider, err := domain.NormalizeProvider(factory.Provider())
		if err != nil {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

// Providers returns the providers whose callbacks can be parsed, sorted.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	providers := make([]string, 0, len(r.factories))
	for provider := range r.factories {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers
}

// Supports reports whether a callback from provider has an adapter.
func (r *Registry) Supports(provider string) bool {
	_, ok := r.lookup(provider)
	return ok
}

// ForCallback builds the adapter that verifies and parses callbacks from
// provider using the secret and signature header in cfg.
func (r *Registry) ForCallback(provider string, cfg domain.AdapterConfig) (domain.CallbackAdapter, error) {
	factory, ok := r.lookup(provider)
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	if cfg.Provider == "" {
		cfg.Provider = factory.Provider()
	}
	return factory.NewAdapter(cfg)
}

func (r *Registry) lookup(provider string) (domain.AdapterFactory, bool) {
	if r == nil {
		return nil, false
	}
	canonical, err := domain.NormalizeProvider(provider)
	if err != nil {
		return nil, false
	}
	factory, ok := r.factories[canonical]
	return factory, ok
}
