package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nugget/engram/internal/prompts"
)

// newMockChatServer serves /v1/chat/completions with the given SSE
// bodies in order. Requests whose body contains the memory-extraction
// marker get a NO_MEMORIES stream instead, mirroring how a shared
// model mock must answer background extraction calls without
// disturbing the scripted sequence.
func newMockChatServer(t *testing.T, responses []string) *httptest.Server {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "text/event-stream")
		if strings.Contains(string(body), prompts.MemoryExtractionMarker) {
			fmt.Fprint(w, sseMessage("NO_MEMORIES"))
			return
		}

		n := calls.Add(1) - 1
		if int(n) >= len(responses) {
			t.Errorf("no scripted response for call %d", n)
			http.Error(w, "exhausted", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, responses[n])
	}))
	t.Cleanup(srv.Close)
	return srv
}

// sseMessage builds a single-delta SSE body terminated with a bare
// DONE, the form the compatibility gateways emit.
func sseMessage(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q},"finish_reason":"stop"}]}`+"\n\ndata: DONE\n\n", content)
}

func TestOpenAIChatStream_AssemblesDeltas(t *testing.T) {
	body := `data: {"model":"test-model","choices":[{"delta":{"content":"- Prefers "}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"tabs."}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{}}],"usage":{"prompt_tokens":42,"completion_tokens":7}}` + "\n\n" +
		"data: [DONE]\n\n"
	srv := newMockChatServer(t, []string{body})

	c := NewOpenAIClient(srv.URL, "", nil)
	var streamed strings.Builder
	resp, err := c.ChatStream(context.Background(), "test-model", []Message{
		{Role: "user", Content: "hi"},
	}, func(token string) { streamed.WriteString(token) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Message.Content != "- Prefers tabs." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if streamed.String() != resp.Message.Content {
		t.Errorf("streamed %q != final %q", streamed.String(), resp.Message.Content)
	}
	if resp.Model != "test-model" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("usage = %d/%d, want 42/7", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIChatStream_AcceptsBareDoneTerminator(t *testing.T) {
	srv := newMockChatServer(t, []string{sseMessage("NO_MEMORIES")})

	c := NewOpenAIClient(srv.URL, "", nil)
	resp, err := c.ChatStream(context.Background(), "m", []Message{
		{Role: "user", Content: "hi"},
	}, func(string) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "NO_MEMORIES" {
		t.Errorf("content = %q, want sentinel", resp.Message.Content)
	}
}

func TestOpenAIChatStream_WholeMessageChunks(t *testing.T) {
	// Some gateways send choices[].message instead of delta.
	body := `data: {"choices":[{"message":{"role":"assistant","content":"- Uses Make."}}]}` + "\n\ndata: DONE\n\n"
	srv := newMockChatServer(t, []string{body})

	c := NewOpenAIClient(srv.URL, "", nil)
	resp, err := c.ChatStream(context.Background(), "m", []Message{
		{Role: "user", Content: "hi"},
	}, func(string) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "- Uses Make." {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestOpenAIChatStream_SkipsMalformedEvents(t *testing.T) {
	body := "data: {not json}\n\n" + sseMessage("ok")
	srv := newMockChatServer(t, []string{body})

	c := NewOpenAIClient(srv.URL, "", nil)
	resp, err := c.ChatStream(context.Background(), "m", []Message{
		{Role: "user", Content: "hi"},
	}, func(string) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestOpenAIChat_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"m","choices":[{"message":{"role":"assistant","content":"NO_MEMORIES"}}],"usage":{"prompt_tokens":10,"completion_tokens":2}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", nil)
	resp, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "NO_MEMORIES" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", nil)
	_, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error %q should carry the status code", err)
	}
}

func TestOpenAI_MarkerDetection(t *testing.T) {
	// A scripted answer exists, but an extraction request must get
	// NO_MEMORIES instead of consuming it.
	srv := newMockChatServer(t, []string{sseMessage("scripted answer")})

	c := NewOpenAIClient(srv.URL, "", nil)
	resp, err := c.ChatStream(context.Background(), "m", []Message{
		{Role: "system", Content: prompts.MemoryExtraction(prompts.VariantTagged)},
		{Role: "user", Content: "The weather is nice today"},
	}, func(string) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "NO_MEMORIES" {
		t.Errorf("extraction request got %q, want NO_MEMORIES", resp.Message.Content)
	}

	resp, err = c.ChatStream(context.Background(), "m", []Message{
		{Role: "user", Content: "hello"},
	}, func(string) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "scripted answer" {
		t.Errorf("normal request got %q, want scripted answer", resp.Message.Content)
	}
}

func TestOpenAIPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestOpenAIPing_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "bad-key", nil)
	err := c.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Errorf("Ping error = %v, want invalid API key", err)
	}
}
