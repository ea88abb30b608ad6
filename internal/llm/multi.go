package llm

import (
	"context"
	"fmt"
)

// MultiClient picks a provider per model name, so a config can mix a
// local Ollama default with an OpenAI-compatible gateway for specific
// models.
type MultiClient struct {
	providers map[string]Client // provider name → client
	routes    map[string]string // model name → provider name
	fallback  Client            // used for models without a route
}

// NewMultiClient creates a router. fallback handles any model that has
// no explicit route; it may be nil, in which case unrouted models
// error.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a named provider.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes a model name to a registered provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.routes[modelName] = providerName
}

// resolve returns the client serving model, or an error when neither a
// route nor a fallback covers it.
func (m *MultiClient) resolve(model string) (Client, error) {
	if provider, ok := m.routes[model]; ok {
		if c, ok := m.providers[provider]; ok {
			return c, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Chat routes a completion request by model name.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	c, err := m.resolve(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages)
}

// ChatStream routes a streaming request by model name.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	c, err := m.resolve(model)
	if err != nil {
		return nil, err
	}
	return c.ChatStream(ctx, model, messages, callback)
}

// Ping probes the fallback provider, which serves the default
// extraction model.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil {
		return fmt.Errorf("no fallback client configured")
	}
	return m.fallback.Ping(ctx)
}

// PingModel probes the provider that would serve model, so health
// checks watch the endpoint extraction actually depends on rather than
// the fallback.
func (m *MultiClient) PingModel(ctx context.Context, model string) error {
	c, err := m.resolve(model)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}
