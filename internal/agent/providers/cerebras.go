package providers

import (
	"context"
	"errors"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/pkg/models"
)

// CerebrasConfig configures a CerebrasProvider.
type CerebrasConfig struct {
	APIKey       string
	BaseURL      string // defaults to Cerebras's OpenAI-compatible endpoint
	DefaultModel string
	Logger       *slog.Logger
}

// CerebrasProvider wraps OpenAIProvider against Cerebras's OpenAI-compatible
// endpoint. Cerebras diverges from plain OpenAI in four ways: (1)
// parallel_tool_calls must never be sent; (2) streaming with tools attached
// is only supported by a small model allow-list — CallStream falls back to
// a non-streaming call and synthesizes chunks from the result for every
// other model; (3) rate-limit backoff runs on a separate schedule (base
// 30s, 5 retries); (4) on HTTP 422 with tools attached, retry once with
// tools omitted and mark the result toolsSkipped.
type CerebrasProvider struct {
	*OpenAIProvider
}

// streamingWithToolsAllowList are the Cerebras model ids known to support
// streaming responses while tool definitions are attached. Any other model
// falls back to a synthesized non-streaming call when tools are present.
var streamingWithToolsAllowList = map[string]bool{
	"llama-3.3-70b":                  true,
	"llama-4-scout-17b-16e-instruct": true,
}

// NewCerebrasProvider constructs a CerebrasProvider from cfg.
func NewCerebrasProvider(cfg CerebrasConfig) *CerebrasProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.cerebras.ai/v1"
	}
	return &CerebrasProvider{
		OpenAIProvider: NewOpenAIProvider(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      baseURL,
			DefaultModel: cfg.DefaultModel,
			Logger:       cfg.Logger,
		}),
	}
}

func (p *CerebrasProvider) Name() string { return "cerebras" }

// Call retries once with tools disabled if the provider rejects the
// request with HTTP 422 while tools are attached (Cerebras's schema
// validator returns 422 where OpenAI itself returns 400).
func (p *CerebrasProvider) Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
	result := p.OpenAIProvider.Call(ctx, messages, tools)
	if result.Failure != nil && len(tools) > 0 && is422(result.Failure.Err) {
		retry := p.OpenAIProvider.Call(ctx, messages, nil)
		if retry.Failure == nil {
			retry.ToolsSkipped = true
			retry.ToolsSkippedReason = "cerebras rejected the request with tools attached (HTTP 422); retried without tools"
			return retry
		}
	}
	return result
}

func is422(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 422
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 422
	}
	return false
}

// CallStream falls back to a non-streaming call, synthesizing chunks from
// the completed result, whenever tools are attached for a model outside
// streamingWithToolsAllowList. Otherwise it streams directly and, on an
// HTTP 422 failure with tools attached, retries once streaming without
// tools (mirroring Call's retry-without-tools behavior for exception 4).
func (p *CerebrasProvider) CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk agent.OnChunk) agent.Result {
	model := p.modelOrDefault("")
	if len(tools) > 0 && !streamingWithToolsAllowList[model] {
		return p.replayNonStreaming(ctx, messages, tools, onChunk)
	}

	result := p.OpenAIProvider.CallStream(ctx, messages, tools, onChunk)
	if result.Failure != nil && len(tools) > 0 && is422(result.Failure.Err) {
		retry := p.OpenAIProvider.CallStream(ctx, messages, nil, onChunk)
		if retry.Failure == nil {
			retry.ToolsSkipped = true
			retry.ToolsSkippedReason = "cerebras rejected the streaming request with tools attached (HTTP 422); retried without tools"
			return retry
		}
	}
	return result
}

// replayNonStreaming performs a non-streaming Call and replays its result as
// a single content chunk followed by one tool-call-delta chunk per tool
// call, for models that don't support streaming with tools attached.
func (p *CerebrasProvider) replayNonStreaming(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk agent.OnChunk) agent.Result {
	result := p.Call(ctx, messages, tools)
	if result.Failure != nil {
		return result
	}
	if text := result.ResponseMessage.Text(); text != "" {
		onChunk(agent.Chunk{Kind: agent.ChunkContent, Content: text})
	}
	for i, tc := range result.ToolCalls {
		onChunk(agent.Chunk{Kind: agent.ChunkToolCallDelta, ToolCallDelta: &agent.ToolCallDelta{
			Index: i, ID: tc.ID, Name: tc.Name, ArgumentsFragment: string(tc.Arguments),
		}})
	}
	return result
}
