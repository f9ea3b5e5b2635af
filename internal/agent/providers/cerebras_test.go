package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/pkg/models"
)

func TestCerebrasProvider_NameAndInheritedBehavior(t *testing.T) {
	p := NewCerebrasProvider(CerebrasConfig{APIKey: "test-key"})
	if p.Name() != "cerebras" {
		t.Errorf("Name() = %q, want cerebras", p.Name())
	}
	if !p.SupportsTools() {
		t.Error("SupportsTools() = false, want true (inherited from OpenAIProvider)")
	}
}

func TestCerebrasProvider_BuildsUnderlyingClient(t *testing.T) {
	p := NewCerebrasProvider(CerebrasConfig{APIKey: "test-key"})
	if p.client == nil {
		t.Fatal("expected an underlying OpenAI-compatible client")
	}
}

func TestIs422(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"api error 422", &openai.APIError{HTTPStatusCode: 422}, true},
		{"api error 400", &openai.APIError{HTTPStatusCode: 400}, false},
		{"request error 422", &openai.RequestError{HTTPStatusCode: 422}, true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := is422(tt.err); got != tt.want {
				t.Errorf("is422(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func decodeChatRequest(t *testing.T, r *http.Request) openai.ChatCompletionRequest {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("reading request body: %v", err)
	}
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshaling request body: %v", err)
	}
	return req
}

func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, chunk map[string]any) {
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// TestCerebrasProvider_CallStream_FallsBackForNonAllowlistedModel verifies
// exception 2: a model outside streamingWithToolsAllowList never reaches the
// streaming endpoint when tools are attached, and instead gets a synthesized
// content chunk plus one tool-call-delta chunk replayed from a non-streaming
// Call.
func TestCerebrasProvider_CallStream_FallsBackForNonAllowlistedModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeChatRequest(t, r)
		if req.Stream {
			t.Error("expected a non-streaming request for a non-allowlisted model with tools attached")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role":    "assistant",
					"content": "here is the weather",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "get_weather",
							"arguments": `{"city":"nyc"}`,
						},
					}},
				},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 4},
		})
	}))
	defer server.Close()

	p := NewCerebrasProvider(CerebrasConfig{APIKey: "test-key", BaseURL: server.URL, DefaultModel: "llama3.1-8b"})
	var chunks []agent.Chunk
	result := p.CallStream(context.Background(), []models.Message{models.NewTextMessage(models.RoleUser, "weather?")},
		[]models.ToolDef{{Name: "get_weather"}}, func(c agent.Chunk) { chunks = append(chunks, c) })

	if result.Failure != nil {
		t.Fatalf("CallStream() failed: %+v", result.Failure)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v, want 2 (content + tool-call delta)", chunks)
	}
	if chunks[0].Kind != agent.ChunkContent || chunks[0].Content != "here is the weather" {
		t.Errorf("chunks[0] = %+v, want content chunk", chunks[0])
	}
	if chunks[1].Kind != agent.ChunkToolCallDelta || chunks[1].ToolCallDelta == nil || chunks[1].ToolCallDelta.Name != "get_weather" {
		t.Errorf("chunks[1] = %+v, want tool-call-delta chunk for get_weather", chunks[1])
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ID != "call_1" {
		t.Errorf("ToolCalls = %+v", result.ToolCalls)
	}
}

// TestCerebrasProvider_CallStream_AllowlistedModelStreamsDirectly verifies
// that a model on streamingWithToolsAllowList streams incrementally instead
// of falling back to a synthesized replay.
func TestCerebrasProvider_CallStream_AllowlistedModelStreamsDirectly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeChatRequest(t, r)
		if !req.Stream {
			t.Error("expected a streaming request for an allowlisted model")
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		writeSSEChunk(w, flusher, map[string]any{
			"id": "chunk-1", "object": "chat.completion.chunk",
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": "sunny "}}},
		})
		writeSSEChunk(w, flusher, map[string]any{
			"id": "chunk-2", "object": "chat.completion.chunk",
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": "today"}}},
		})
		writeSSEChunk(w, flusher, map[string]any{
			"id": "chunk-3", "object": "chat.completion.chunk",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "delta": map[string]any{}}},
			"usage":   map[string]any{"prompt_tokens": 8, "completion_tokens": 2},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	p := NewCerebrasProvider(CerebrasConfig{APIKey: "test-key", BaseURL: server.URL, DefaultModel: "llama-3.3-70b"})
	var chunks []string
	result := p.CallStream(context.Background(), []models.Message{models.NewTextMessage(models.RoleUser, "weather?")},
		[]models.ToolDef{{Name: "get_weather"}}, func(c agent.Chunk) {
			if c.Kind == agent.ChunkContent {
				chunks = append(chunks, c.Content)
			}
		})

	if result.Failure != nil {
		t.Fatalf("CallStream() failed: %+v", result.Failure)
	}
	if len(chunks) != 2 || chunks[0] != "sunny " || chunks[1] != "today" {
		t.Errorf("chunks = %v, want [\"sunny \", \"today\"] streamed incrementally", chunks)
	}
	if result.ResponseMessage.Text() != "sunny today" {
		t.Errorf("assembled text = %q, want %q", result.ResponseMessage.Text(), "sunny today")
	}
}

// TestCerebrasProvider_CallStream_Retries422WithoutTools verifies exception
// 4 under streaming: a 422 while tools are attached retries once streaming
// without tools, marking the result ToolsSkipped.
func TestCerebrasProvider_CallStream_Retries422WithoutTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeChatRequest(t, r)
		if len(req.Tools) > 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "tools not supported for this request", "type": "invalid_request_error"},
			})
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeSSEChunk(w, flusher, map[string]any{
			"id": "chunk-1", "object": "chat.completion.chunk",
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": "plain answer"}}},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	p := NewCerebrasProvider(CerebrasConfig{APIKey: "test-key", BaseURL: server.URL, DefaultModel: "llama-3.3-70b"})
	var chunks []string
	result := p.CallStream(context.Background(), []models.Message{models.NewTextMessage(models.RoleUser, "weather?")},
		[]models.ToolDef{{Name: "get_weather"}}, func(c agent.Chunk) {
			if c.Kind == agent.ChunkContent {
				chunks = append(chunks, c.Content)
			}
		})

	if result.Failure != nil {
		t.Fatalf("CallStream() failed: %+v", result.Failure)
	}
	if !result.ToolsSkipped {
		t.Error("ToolsSkipped = false, want true after a 422-with-tools retry")
	}
	if result.ToolsSkippedReason == "" {
		t.Error("ToolsSkippedReason is empty")
	}
	if len(chunks) != 1 || chunks[0] != "plain answer" {
		t.Errorf("chunks = %v, want [\"plain answer\"] from the retried stream", chunks)
	}
}
