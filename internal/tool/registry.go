package tool

import (
	"fmt"
	"sync"
)

// Registry holds the set of registered tool plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p to the registry, validating its metadata/schema and
// invoking OnInit if implemented.
func (r *Registry) Register(p Plugin) error {
	meta := p.Metadata()
	if meta.Name == "" {
		return fmt.Errorf("tool: plugin metadata missing name")
	}
	if len(p.Schema()) == 0 {
		return fmt.Errorf("tool: plugin %q missing schema", meta.Name)
	}

	if init, ok := p.(Initializer); ok {
		if err := init.OnInit(); err != nil {
			return fmt.Errorf("tool: %q onInit: %w", meta.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[meta.Name] = p
	return nil
}

// Unregister removes a plugin by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, name)
}

// Get returns a registered plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// GetAllSchemas returns the JSON schemas of every enabled tool, for
// attaching to an LLM completion request.
func (r *Registry) GetAllSchemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.plugins))
	for _, p := range r.plugins {
		meta := p.Metadata()
		if !meta.Enabled {
			continue
		}
		out = append(out, Schema{Name: meta.Name, Parameters: p.Schema()})
	}
	return out
}

// List returns every registered plugin, enabled or not.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}
