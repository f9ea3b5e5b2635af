// Package providers implements the provider-specific wire-format adapters
// behind the agent.Adapter contract: OpenAI-compatible, Anthropic, Gemini,
// Cerebras, and OpenAI Responses API.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/internal/agent/toolconv"
	"github.com/agentbridge/runtime/internal/classify"
	"github.com/agentbridge/runtime/pkg/models"
)

// visionAllowList are OpenAI-compatible models known to accept image
// content parts. For models not in the list, image parts are dropped and a
// warning is logged.
var visionAllowList = map[string]bool{
	"gpt-4o":      true,
	"gpt-4o-mini": true,
	"gpt-4-turbo": true,
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // empty uses the SDK default (api.openai.com)
	DefaultModel string
	Logger       *slog.Logger
}

// OpenAIProvider implements agent.Adapter for OpenAI's chat completions API
// and any OpenAI-compatible endpoint reachable via a custom BaseURL.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	logger       *slog.Logger
}

// NewOpenAIProvider constructs an OpenAIProvider from cfg.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		logger:       logger,
	}
}

func (p *OpenAIProvider) Name() string        { return "openai" }
func (p *OpenAIProvider) SupportsTools() bool  { return true }

// MaxOutputTokens returns a conservative per-model default; callers should
// override via the caller-supplied request when they know better.
func (p *OpenAIProvider) MaxOutputTokens(model string) int {
	switch {
	case strings.HasPrefix(model, "gpt-4o"):
		return 16384
	case strings.HasPrefix(model, "gpt-4"):
		return 8192
	default:
		return 4096
	}
}

// Call performs one non-streaming completion.
func (p *OpenAIProvider) Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
	model := p.modelOrDefault("")
	req := p.buildRequest(model, messages, tools, false)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return p.failureResult(err, model)
	}
	if len(resp.Choices) == 0 {
		return p.failureResult(errors.New("openai: empty choices"), model)
	}

	return p.resultFromChoice(resp.Choices[0], resp.Usage)
}

// CallStream performs one streaming completion, emitting deltas via
// onChunk as they arrive.
func (p *OpenAIProvider) CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk agent.OnChunk) agent.Result {
	model := p.modelOrDefault("")
	req := p.buildRequest(model, messages, tools, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return p.failureResult(err, model)
	}
	defer stream.Close()

	var textBuilder strings.Builder
	type toolCallAccum struct {
		id, name string
		args     strings.Builder
	}
	var toolCalls []*toolCallAccum
	byIndex := map[int]*toolCallAccum{}

	var inputTokens, outputTokens int
	var finishReason openai.FinishReason

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return agent.Result{Recovered: true, RecoveredError: err,
					ResponseMessage: models.NewTextMessage(models.RoleAssistant, "cancelled by user")}
			}
			if isStreamDone(err) {
				break
			}
			return p.failureResult(err, model)
		}
		if chunk.Usage != nil {
			inputTokens = chunk.Usage.PromptTokens
			outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			textBuilder.WriteString(choice.Delta.Content)
			onChunk(agent.Chunk{Kind: agent.ChunkContent, Content: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := byIndex[idx]
			if !ok {
				acc = &toolCallAccum{}
				byIndex[idx] = acc
				toolCalls = append(toolCalls, acc)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
			}
			onChunk(agent.Chunk{Kind: agent.ChunkToolCallDelta, ToolCallDelta: &agent.ToolCallDelta{
				Index: idx, ID: tc.ID, Name: tc.Function.Name, ArgumentsFragment: tc.Function.Arguments,
			}})
		}
	}
	_ = finishReason

	result := agent.Result{
		ResponseMessage: models.NewTextMessage(models.RoleAssistant, textBuilder.String()),
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
	}
	for _, acc := range toolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID: acc.id, Name: acc.name, Arguments: json.RawMessage(acc.args.String()),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.ResponseMessage.ToolCalls = result.ToolCalls
	}
	return result
}

// isStreamDone reports whether err is the SDK's end-of-stream sentinel.
func isStreamDone(err error) bool {
	return errors.Is(err, errors.New("EOF")) || err.Error() == "EOF"
}

// FormatToolResults builds OpenAI "tool" role continuation messages.
func (p *OpenAIProvider) FormatToolResults(results []models.ToolResult) []models.Message {
	out := make([]models.Message, 0, len(results))
	for _, r := range results {
		out = append(out, models.Message{
			Role:       models.RoleTool,
			ToolCallID: r.ToolCallID,
			Parts:      []models.Part{{Kind: models.PartToolResult, ToolResultContent: r.Content, ToolResultIsError: r.IsError}},
		})
	}
	return out
}

func (p *OpenAIProvider) modelOrDefault(model string) string {
	if model != "" {
		return model
	}
	if p.defaultModel != "" {
		return p.defaultModel
	}
	return "gpt-4o"
}

func (p *OpenAIProvider) buildRequest(model string, messages []models.Message, tools []models.ToolDef, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  p.convertMessages(messages, model),
		MaxTokens: p.MaxOutputTokens(model),
		Stream:    stream,
	}
	if len(tools) > 0 {
		req.Tools = toolconv.ToOpenAITools(tools)
	}
	return req
}

func (p *OpenAIProvider) convertMessages(messages []models.Message, model string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	lastUserIdx := -1
	for i, m := range messages {
		if m.Role == models.RoleUser {
			lastUserIdx = i
		}
	}

	hasImages := false
	for _, m := range messages {
		for _, part := range m.Parts {
			if part.Kind == models.PartImage {
				hasImages = true
			}
		}
	}

	for i, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text()})

		case models.RoleUser:
			if hasImages && i == lastUserIdx && visionAllowList[model] {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: visionContentParts(m)})
			} else {
				if hasImages && i == lastUserIdx {
					p.logger.Warn("dropping image parts: model not on vision allow-list", slog.String("model", model))
				}
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text()})
			}

		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text()}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, msg)

		case models.RoleTool:
			content := ""
			for _, part := range m.Parts {
				if part.Kind == models.PartToolResult {
					content = part.ToolResultContent
				}
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: m.ToolCallID,
				Content:    content,
			})
		}
	}
	return out
}

func visionContentParts(m models.Message) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, part := range m.Parts {
		switch part.Kind {
		case models.PartText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
		case models.PartImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", part.MimeType, part.Data),
				},
			})
		}
	}
	return parts
}

func (p *OpenAIProvider) resultFromChoice(choice openai.ChatCompletionChoice, usage openai.Usage) agent.Result {
	msg := models.NewTextMessage(models.RoleAssistant, choice.Message.Content)
	result := agent.Result{
		ResponseMessage: msg,
		InputTokens:     usage.PromptTokens,
		OutputTokens:    usage.CompletionTokens,
	}
	sort.Slice(choice.Message.ToolCalls, func(i, j int) bool { return i < j })
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	result.ResponseMessage.ToolCalls = result.ToolCalls
	return result
}

func (p *OpenAIProvider) failureResult(err error, model string) agent.Result {
	var apiErr *openai.APIError
	status := 0
	body := err.Error()
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
		body = apiErr.Message
	}
	c := classify.Classify(classify.Input{Status: status, Body: body})
	p.logger.Warn("openai call failed", slog.String("model", model), slog.String("reason", string(c.Reason)))
	return agent.Result{Failure: &agent.Failure{Reason: c.Reason, UserMessage: c.UserMessage, Err: err}}
}
