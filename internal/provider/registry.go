package provider

import "fmt"

// Registry resolves a request's modelType ("local" or "volcano") to a Provider.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its own ID.
func (r *Registry) Register(p Provider) {
	r.providers[p.ID()] = p
}

// Get resolves a provider by modelType.
func (r *Registry) Get(modelType string) (Provider, error) {
	p, ok := r.providers[modelType]
	if !ok {
		return nil, fmt.Errorf("provider: unknown model type %q", modelType)
	}
	return p, nil
}
