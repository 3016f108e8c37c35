// Package registry routes chat models to the provider that serves them. The
// model set is fixed at registration time; every turn of a chat resolves its
// sticky model through the same index.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidbz/markl/internal/domain"
)

// Registry implements domain.ProviderRegistry.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]domain.Provider
	byModel map[string]string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]domain.Provider),
		byModel: make(map[string]string),
	}
}

// Register adds a provider and indexes its supported models. Registering the
// same provider name twice is an error; a model claimed by two providers goes
// to the later registration.
func (r *Registry) Register(ctx context.Context, provider domain.Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.byName[name] = provider

	for _, model := range provider.SupportedModels(ctx) {
		r.byModel[model] = name
	}

	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(_ context.Context, providerName string) (domain.Provider, error) {
	if providerName == "" {
		return nil, errors.New("provider name cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.byName[providerName]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", providerName)
	}
	return provider, nil
}

// List returns the names of all registered providers.
func (r *Registry) List(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names, nil
}

// GetByModel resolves the provider serving a model. Models outside the index
// fall back to asking each provider, which covers aliases a provider accepts
// but does not advertise.
func (r *Registry) GetByModel(ctx context.Context, model string) (domain.Provider, error) {
	if model == "" {
		return nil, errors.New("model cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if providerName, exists := r.byModel[model]; exists {
		if provider, ok := r.byName[providerName]; ok {
			return provider, nil
		}
	}

	for _, provider := range r.byName {
		if provider.IsModelSupported(ctx, model) {
			return provider, nil
		}
	}
	return nil, fmt.Errorf("no provider found for model: %s", model)
}
