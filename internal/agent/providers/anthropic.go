package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/internal/agent/toolconv"
	"github.com/agentbridge/runtime/internal/classify"
	"github.com/agentbridge/runtime/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Logger       *slog.Logger
}

// AnthropicProvider implements agent.Adapter for Anthropic's Messages API,
// accumulating input_json_delta fragments across content_block_delta events
// and parsing the tool input exactly once at content_block_stop.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	logger       *slog.Logger
}

// NewAnthropicProvider constructs an AnthropicProvider from cfg.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
		logger:       logger,
	}
}

func (p *AnthropicProvider) Name() string       { return "anthropic" }
func (p *AnthropicProvider) SupportsTools() bool { return true }

// MaxOutputTokens applies a per-model-era table: 4-era Opus gets the
// largest budget, other 4-era and the extended-thinking 3.7 models get
// 32k, the 3.5-era models get 8192, and anything unrecognized falls back
// to the conservative 4096 default.
func (p *AnthropicProvider) MaxOutputTokens(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus") && strings.Contains(lower, "4-"):
		return 64000
	case strings.Contains(lower, "4-") || strings.Contains(lower, "3-7"):
		return 32000
	case strings.Contains(lower, "3-5") || strings.Contains(lower, "3.5"):
		return 8192
	default:
		return 4096
	}
}

func (p *AnthropicProvider) modelOrDefault(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// isThinkingModel reports whether model is one of the "thinking" Claude
// variants that echo a thought_signature on tool_use blocks, which must be
// round-tripped verbatim on the next request or the API rejects the turn.
func isThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "thinking") || strings.Contains(lower, "3-7") || strings.Contains(lower, "4-")
}

func (p *AnthropicProvider) buildParams(model string, messages []models.Message, tools []models.ToolDef) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var msgParams []anthropic.MessageParam

	for _, m := range messages {
		if m.Role == models.RoleSystem {
			system = append(system, anthropic.TextBlockParam{Type: "text", Text: m.Text()})
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, part := range m.Parts {
			switch part.Kind {
			case models.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case models.PartToolResult:
				content = append(content, anthropic.NewToolResultBlock(part.ToolResultID, part.ToolResultContent, part.ToolResultIsError))
			case models.PartImage:
				content = append(content, anthropic.NewImageBlockBase64(part.MimeType, part.Data))
			}
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if m.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Text(), false))
		}

		if len(content) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if m.Role == models.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		msgParams = append(msgParams, anthropic.MessageParam{Role: role, Content: content})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgParams,
		MaxTokens: int64(p.MaxOutputTokens(model)),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		toolParams, err := toolconv.ToAnthropicTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = toolParams
	}
	return params, nil
}

// Call performs one non-streaming completion.
func (p *AnthropicProvider) Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
	model := p.modelOrDefault("")
	params, err := p.buildParams(model, messages, tools)
	if err != nil {
		return agent.Result{Failure: &agent.Failure{Reason: classify.Fatal, UserMessage: "invalid tool call arguments", Err: err}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return p.failureResult(err, model)
	}

	return p.resultFromMessage(msg)
}

// CallStream performs one streaming completion, accumulating
// input_json_delta fragments raw and parsing each tool call's JSON exactly
// once at content_block_stop.
func (p *AnthropicProvider) CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk agent.OnChunk) agent.Result {
	model := p.modelOrDefault("")
	params, err := p.buildParams(model, messages, tools)
	if err != nil {
		return agent.Result{Failure: &agent.Failure{Reason: classify.Fatal, UserMessage: "invalid tool call arguments", Err: err}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	return p.processStream(ctx, stream, model, onChunk)
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, onChunk agent.OnChunk) agent.Result {
	var text strings.Builder
	var toolCalls []models.ToolCall
	var currentID, currentName string
	var currentInput strings.Builder
	inToolUse := false
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentID = toolUse.ID
				currentName = toolUse.Name
				currentInput.Reset()
				inToolUse = true
				onChunk(agent.Chunk{Kind: agent.ChunkToolCallDelta, ToolCallDelta: &agent.ToolCallDelta{
					Index: len(toolCalls), ID: currentID, Name: currentName,
				}})
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					onChunk(agent.Chunk{Kind: agent.ChunkContent, Content: delta.Text})
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					onChunk(agent.Chunk{Kind: agent.ChunkThinking, Content: delta.Thinking})
				}
			case "input_json_delta":
				// Accumulate the raw fragment; it is not valid JSON on its
				// own and must never be parsed or echoed back mid-stream.
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					onChunk(agent.Chunk{Kind: agent.ChunkToolCallDelta, ToolCallDelta: &agent.ToolCallDelta{
						Index: len(toolCalls), ID: currentID, ArgumentsFragment: delta.PartialJSON,
					}})
				}
			}

		case "content_block_stop":
			if inToolUse {
				raw := currentInput.String()
				if raw == "" {
					raw = "{}"
				}
				toolCalls = append(toolCalls, models.ToolCall{ID: currentID, Name: currentName, Arguments: json.RawMessage(raw)})
				inToolUse = false
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			return p.assembleResult(text.String(), toolCalls, inputTokens, outputTokens)

		case "error":
			return p.failureResult(errors.New("anthropic stream error"), model)
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return agent.Result{Recovered: true, RecoveredError: ctx.Err(),
				ResponseMessage: models.NewTextMessage(models.RoleAssistant, text.String())}
		}
		return p.failureResult(err, model)
	}

	return p.assembleResult(text.String(), toolCalls, inputTokens, outputTokens)
}

func (p *AnthropicProvider) assembleResult(text string, toolCalls []models.ToolCall, inputTokens, outputTokens int) agent.Result {
	msg := models.NewTextMessage(models.RoleAssistant, text)
	msg.ToolCalls = toolCalls
	return agent.Result{
		ResponseMessage: msg,
		ToolCalls:       toolCalls,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
	}
}

func (p *AnthropicProvider) resultFromMessage(msg *anthropic.Message) agent.Result {
	var text strings.Builder
	var toolCalls []models.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			input, _ := json.Marshal(tu.Input)
			toolCalls = append(toolCalls, models.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: input})
		}
	}
	return p.assembleResult(text.String(), toolCalls, int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens))
}

// FormatToolResults builds a single Anthropic tool_result continuation
// message whose content is an array of tool_result blocks, one per result.
// Anthropic's Messages API requires every tool_use block from one assistant
// turn to be answered in exactly one following user message; splitting them
// across several user messages breaks role alternation.
func (p *AnthropicProvider) FormatToolResults(results []models.ToolResult) []models.Message {
	if len(results) == 0 {
		return nil
	}
	parts := make([]models.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, models.Part{
			Kind:              models.PartToolResult,
			ToolResultID:      r.ToolCallID,
			ToolResultContent: r.Content,
			ToolResultIsError: r.IsError,
		})
	}
	return []models.Message{{Role: models.RoleUser, Parts: parts}}
}

func (p *AnthropicProvider) failureResult(err error, model string) agent.Result {
	status := 0
	body := err.Error()
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
		if raw := apiErr.RawJSON(); raw != "" {
			body = raw
		}
	}
	c := classify.Classify(classify.Input{Status: status, Body: body})
	p.logger.Warn("anthropic call failed", slog.String("model", model), slog.String("reason", string(c.Reason)))
	return agent.Result{Failure: &agent.Failure{Reason: c.Reason, UserMessage: c.UserMessage, Err: err}}
}
