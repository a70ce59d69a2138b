package provider

import (
	"strings"
	"sync"
)

type Factory func(apiKey string) Provider

// Registry maps provider ids to live providers and to factories for the ones
// constructed lazily with an api key.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(id string, p Provider) {
	if r == nil || p == nil {
		return
	}
	key := normalizeID(id)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = p
}

func (r *Registry) Get(id string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeID(id)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[key]
	return p, ok
}

func (r *Registry) RegisterFactory(id string, factory Factory) {
	if r == nil || factory == nil {
		return
	}
	key := normalizeID(id)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

func (r *Registry) New(id, apiKey string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeID(id)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	p := factory(apiKey)
	if p == nil {
		return nil, false
	}
	return p, true
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
