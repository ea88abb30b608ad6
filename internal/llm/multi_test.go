package llm

import (
	"context"
	"errors"
	"testing"
)

// stubClient records which model it was asked for.
type stubClient struct {
	name      string
	lastModel string
	pingErr   error
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	s.lastModel = model
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: s.name}, Done: true}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	return s.Chat(ctx, model, messages)
}

func (s *stubClient) Ping(ctx context.Context) error { return s.pingErr }

func TestMultiClient_RoutesByModel(t *testing.T) {
	ollama := &stubClient{name: "ollama"}
	openai := &stubClient{name: "openai"}

	m := NewMultiClient(ollama)
	m.AddProvider("ollama", ollama)
	m.AddProvider("openai", openai)
	m.AddModel("gpt-4o-mini", "openai")

	resp, err := m.Chat(context.Background(), "gpt-4o-mini", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "openai" {
		t.Errorf("routed to %q, want openai", resp.Message.Content)
	}
}

func TestMultiClient_FallbackForUnknownModel(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	m := NewMultiClient(fallback)

	resp, err := m.Chat(context.Background(), "mystery-model", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "fallback" {
		t.Errorf("routed to %q, want fallback", resp.Message.Content)
	}
}

func TestMultiClient_UnknownProviderFallsBack(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	m := NewMultiClient(fallback)
	m.AddModel("x", "not-registered")

	resp, err := m.Chat(context.Background(), "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "fallback" {
		t.Errorf("routed to %q, want fallback", resp.Message.Content)
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error with no provider and no fallback")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping error with no fallback")
	}
}

func TestMultiClient_PingUsesFallback(t *testing.T) {
	wantErr := errors.New("down")
	m := NewMultiClient(&stubClient{pingErr: wantErr})
	if err := m.Ping(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Ping = %v, want %v", err, wantErr)
	}
}

func TestMultiClient_PingModelFollowsRoute(t *testing.T) {
	gatewayDown := errors.New("gateway unreachable")
	ollama := &stubClient{name: "ollama"}
	openai := &stubClient{name: "openai", pingErr: gatewayDown}

	m := NewMultiClient(ollama)
	m.AddProvider("ollama", ollama)
	m.AddProvider("openai", openai)
	m.AddModel("gpt-4o-mini", "openai")

	// A routed model's health must reflect its own provider, not the
	// healthy fallback.
	if err := m.PingModel(context.Background(), "gpt-4o-mini"); !errors.Is(err, gatewayDown) {
		t.Errorf("PingModel(routed) = %v, want %v", err, gatewayDown)
	}
	if err := m.PingModel(context.Background(), "qwen3:4b"); err != nil {
		t.Errorf("PingModel(fallback) = %v, want nil", err)
	}
}

func TestMultiClient_PingModelNoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if err := m.PingModel(context.Background(), "x"); err == nil {
		t.Fatal("expected error for unrouted model with no fallback")
	}
}
