package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/internal/agent/toolconv"
	"github.com/agentbridge/runtime/internal/classify"
	"github.com/agentbridge/runtime/pkg/models"
)

// GeminiConfig configures a GeminiProvider.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	Logger       *slog.Logger
}

// GeminiProvider implements agent.Adapter for Google's Gemini API, remapping
// roles (assistant -> model) and stripping unsupported enum constraints from
// non-string schema nodes. Thought signatures are not handled: signatures on
// response parts are not captured, and PartThoughtSignature parts are not
// sent back on later turns.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
	logger       *slog.Logger
}

// NewGeminiProvider constructs a GeminiProvider from cfg.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GeminiProvider{client: client, defaultModel: defaultModel, logger: logger}, nil
}

func (p *GeminiProvider) Name() string       { return "gemini" }
func (p *GeminiProvider) SupportsTools() bool { return true }

func (p *GeminiProvider) MaxOutputTokens(model string) int {
	if strings.Contains(model, "1.5-pro") {
		return 8192
	}
	return 8192
}

func (p *GeminiProvider) modelOrDefault(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GeminiProvider) buildContents(messages []models.Message) ([]*genai.Content, string) {
	var result []*genai.Content
	var system string

	for _, m := range messages {
		if m.Role == models.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Text()
			continue
		}

		content := &genai.Content{}
		switch m.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		for _, part := range m.Parts {
			switch part.Kind {
			case models.PartText:
				if part.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
				}
			case models.PartImage:
				if data, err := base64.StdEncoding.DecodeString(part.Data); err == nil {
					content.Parts = append(content.Parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: part.MimeType}})
				}
			case models.PartToolResult:
				var response map[string]any
				if err := json.Unmarshal([]byte(part.ToolResultContent), &response); err != nil {
					response = map[string]any{"result": part.ToolResultContent, "error": part.ToolResultIsError}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{Name: part.ToolName, Response: response},
				})
			}
		}

		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		if m.Role == models.RoleTool {
			var response map[string]any
			text := m.Text()
			if err := json.Unmarshal([]byte(text), &response); err != nil {
				response = map[string]any{"result": text}
			}
			toolName := toolNameForCallID(messages, m.ToolCallID)
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: toolName, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, system
}

func toolNameForCallID(messages []models.Message, id string) string {
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return tc.Name
			}
		}
	}
	return ""
}

func (p *GeminiProvider) buildConfig(model string, tools []models.ToolDef, system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(p.MaxOutputTokens(model))}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(tools) > 0 {
		cfg.Tools = toolconv.ToGeminiTools(tools)
	}
	return cfg
}

// Call performs one non-streaming completion.
func (p *GeminiProvider) Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
	model := p.modelOrDefault("")
	contents, system := p.buildContents(messages)
	config := p.buildConfig(model, tools, system)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return p.failureResult(err, model)
	}
	return p.resultFromResponse(resp)
}

// CallStream performs one streaming completion.
func (p *GeminiProvider) CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk agent.OnChunk) agent.Result {
	model := p.modelOrDefault("")
	contents, system := p.buildContents(messages)
	config := p.buildConfig(model, tools, system)

	var text strings.Builder
	var toolCalls []models.ToolCall
	var inputTokens, outputTokens int

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if ctx.Err() != nil {
			return agent.Result{Recovered: true, RecoveredError: ctx.Err(),
				ResponseMessage: models.NewTextMessage(models.RoleAssistant, text.String())}
		}
		if err != nil {
			return p.failureResult(err, model)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					text.WriteString(part.Text)
					onChunk(agent.Chunk{Kind: agent.ChunkContent, Content: part.Text})
				}
				if part.FunctionCall != nil {
					argsJSON, jerr := json.Marshal(part.FunctionCall.Args)
					if jerr != nil {
						argsJSON = []byte("{}")
					}
					id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, time.Now().UnixNano())
					toolCalls = append(toolCalls, models.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: argsJSON})
					onChunk(agent.Chunk{Kind: agent.ChunkToolCallDelta, ToolCallDelta: &agent.ToolCallDelta{
						Index: len(toolCalls) - 1, ID: id, Name: part.FunctionCall.Name, ArgumentsFragment: string(argsJSON),
					}})
				}
			}
		}
	}

	return p.assembleResult(text.String(), toolCalls, inputTokens, outputTokens)
}

func (p *GeminiProvider) resultFromResponse(resp *genai.GenerateContentResponse) agent.Result {
	var text strings.Builder
	var toolCalls []models.ToolCall
	var inputTokens, outputTokens int
	if resp.UsageMetadata != nil {
		inputTokens = int(resp.UsageMetadata.PromptTokenCount)
		outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				argsJSON, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					argsJSON = []byte("{}")
				}
				id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, time.Now().UnixNano())
				toolCalls = append(toolCalls, models.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: argsJSON})
			}
		}
	}
	return p.assembleResult(text.String(), toolCalls, inputTokens, outputTokens)
}

func (p *GeminiProvider) assembleResult(text string, toolCalls []models.ToolCall, inputTokens, outputTokens int) agent.Result {
	msg := models.NewTextMessage(models.RoleAssistant, text)
	msg.ToolCalls = toolCalls
	return agent.Result{ResponseMessage: msg, ToolCalls: toolCalls, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// FormatToolResults builds Gemini function-response continuation messages.
func (p *GeminiProvider) FormatToolResults(results []models.ToolResult) []models.Message {
	out := make([]models.Message, 0, len(results))
	for _, r := range results {
		content := r.Content
		if content == "" {
			content = "{}"
		}
		out = append(out, models.Message{
			Role:       models.RoleTool,
			ToolCallID: r.ToolCallID,
			Parts:      []models.Part{{Kind: models.PartToolResult, ToolResultContent: content, ToolResultIsError: r.IsError}},
		})
	}
	return out
}

func (p *GeminiProvider) failureResult(err error, model string) agent.Result {
	status := 0
	body := err.Error()
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "resource exhausted"):
		status = 429
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthenticated"):
		status = 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "permission denied"):
		status = 403
	case strings.Contains(lower, "500"):
		status = 500
	case strings.Contains(lower, "503"):
		status = 503
	}
	c := classify.Classify(classify.Input{Status: status, Body: body})
	p.logger.Warn("gemini call failed", slog.String("model", model), slog.String("reason", string(c.Reason)))
	return agent.Result{Failure: &agent.Failure{Reason: c.Reason, UserMessage: c.UserMessage, Err: err}}
}
