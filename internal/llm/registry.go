package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Factory constructs an adapter bound to one API key.
type Factory func(key string) (Client, error)

type registryKey struct {
	provider string
	key      string
}

// Registry holds adapter instances keyed by provider and credential.
// Adapters are built on first use and kept until evicted. A Registry is
// safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	clients   map[registryKey]Client
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		clients:   make(map[registryKey]Client),
		logger:    logger.With("component", "llm_registry"),
	}
}

// Register installs the factory for provider, replacing any previous
// one. Cached adapters for that provider are evicted.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
	for k := range r.clients {
		if k.provider == provider {
			delete(r.clients, k)
		}
	}
}

// Get returns the adapter for (provider, key), constructing it if
// needed.
func (r *Registry) Get(provider, key string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := registryKey{provider: provider, key: key}
	if c, ok := r.clients[k]; ok {
		return c, nil
	}

	f, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", provider)
	}
	c, err := f(key)
	if err != nil {
		return nil, fmt.Errorf("construct %s adapter: %w", provider, err)
	}
	r.clients[k] = c
	r.logger.Debug("adapter constructed", "provider", provider, "cached", len(r.clients))
	return c, nil
}

// Evict drops the cached adapter for (provider, key), for example
// after its credential is rotated out.
func (r *Registry) Evict(provider, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, registryKey{provider: provider, key: key})
}

// Reset drops every cached adapter. Factories stay registered.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.clients)
}

// Len reports the number of cached adapters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// NewFactory returns the factory for a named provider. baseURL
// overrides the provider's default endpoint when non-empty.
func NewFactory(provider, baseURL string, logger *slog.Logger) (Factory, error) {
	switch provider {
	case ProviderGemini:
		return func(key string) (Client, error) {
			return NewGeminiClient(context.Background(), baseURL, key, nil, logger)
		}, nil
	case ProviderOpenAI:
		return func(key string) (Client, error) {
			return NewOpenAIClient(baseURL, key, logger), nil
		}, nil
	case ProviderAnthropic:
		return func(key string) (Client, error) {
			return NewAnthropicClient(baseURL, key, logger), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
