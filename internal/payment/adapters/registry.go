// Package adapters wires provider settlement adapters behind one registry.
package adapters

import (
	"strings"

	"github.com/vibeany/billingcore/internal/payment/domain"
)

type Registry struct {
	factories map[domain.Provider]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[domain.Provider]domain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := domain.Provider(strings.ToLower(strings.TrimSpace(string(factory.Provider()))))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider domain.Provider) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) NewAdapter(provider domain.Provider, cfg domain.AdapterConfig) (domain.SettlementAdapter, error) {
	if r == nil {
		return nil, domain.ErrUnknownProvider
	}
	factory, ok := r.factories[normalize(provider)]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return factory.NewAdapter(cfg)
}

func normalize(provider domain.Provider) domain.Provider {
	return domain.Provider(strings.ToLower(strings.TrimSpace(string(provider))))
}
