// Package llm provides LLM client implementations for the providers
// engram can extract memories with: any OpenAI-compatible chat
// completions endpoint, and Ollama. Extraction calls never offer
// tools, so the surface is deliberately small: system + user messages
// in, assistant text and token usage out.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the unified response from any provider. All fields
// use proper Go types; wire format conversion happens at provider
// boundaries (openai.go, ollama.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// StreamCallback receives incremental text tokens during a streaming
// response.
type StreamCallback func(token string)
