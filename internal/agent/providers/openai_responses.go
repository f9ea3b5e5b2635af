package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/internal/classify"
	"github.com/agentbridge/runtime/pkg/models"
)

// OpenAIResponsesConfig configures an OpenAIResponsesProvider.
type OpenAIResponsesConfig struct {
	APIKey       string
	BaseURL      string // defaults to https://api.openai.com/v1
	DefaultModel string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// responsesContentPart is one entry in a message-type input item's content
// array: `input_text` for what we send, `output_text` on what comes back.
type responsesContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// responsesInputItem is one entry in the Responses API's `input` array. Its
// shape depends on Type: "message" items carry Role+Content, "function_call"
// items carry CallID+Name+Arguments, "function_call_output" items carry
// CallID+Output.
type responsesInputItem struct {
	Type    string                 `json:"type,omitempty"`
	Role    string                 `json:"role,omitempty"`
	Content []responsesContentPart `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// responsesReasoning configures reasoning effort for GPT-5/o-series models.
type responsesReasoning struct {
	Effort string `json:"effort,omitempty"`
}

type responsesRequest struct {
	Model           string               `json:"model"`
	Input           []responsesInputItem `json:"input"`
	Instructions    string               `json:"instructions,omitempty"`
	MaxOutputTokens int                  `json:"max_output_tokens,omitempty"`
	Tools           []map[string]any     `json:"tools,omitempty"`
	Reasoning       *responsesReasoning  `json:"reasoning,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
}

// responsesStreamEvent is one Server-Sent Event from the Responses API's
// streaming surface. Only the fields a given event.Type populates are set;
// the rest are zero.
type responsesStreamEvent struct {
	Type string `json:"type"`

	// response.output_item.added
	Item *responsesOutputItem `json:"item,omitempty"`

	// response.output_text.delta, response.function_call_arguments.delta
	Delta string `json:"delta,omitempty"`

	// response.function_call_arguments.delta/.done: identifies which
	// pending output item the fragment belongs to.
	ItemID string `json:"item_id,omitempty"`

	// response.completed: the full, final response body.
	Response *responsesResponse `json:"response,omitempty"`
}

type responsesOutputItem struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type responsesResponse struct {
	Output []responsesOutputItem `json:"output"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAIResponsesProvider implements agent.Adapter against OpenAI's
// Responses API, a distinct wire protocol from chat completions: a flat
// `input` item array instead of a messages array, and tool calls/results
// addressed by call_id rather than role-paired messages.
type OpenAIResponsesProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewOpenAIResponsesProvider constructs an OpenAIResponsesProvider from cfg.
func NewOpenAIResponsesProvider(cfg OpenAIResponsesConfig) *OpenAIResponsesProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &OpenAIResponsesProvider{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   httpClient,
		logger:       logger,
	}
}

func (p *OpenAIResponsesProvider) Name() string       { return "openai-responses" }
func (p *OpenAIResponsesProvider) SupportsTools() bool { return true }

func (p *OpenAIResponsesProvider) MaxOutputTokens(model string) int {
	if strings.HasPrefix(model, "gpt-4o") {
		return 16384
	}
	return 8192
}

func (p *OpenAIResponsesProvider) modelOrDefault(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// reasoningModelPrefixes identifies GPT-5/o-series models, which accept a
// reasoning.effort hint. This mirrors the same prefixes the factory uses to
// route a model to this adapter in the first place.
var reasoningModelPrefixes = []string{"gpt-5", "o1", "o3", "o4"}

func isReasoningCapable(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range reasoningModelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func (p *OpenAIResponsesProvider) buildInput(messages []models.Message) ([]responsesInputItem, string) {
	var items []responsesInputItem
	var instructions strings.Builder

	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			if instructions.Len() > 0 {
				instructions.WriteString("\n")
			}
			instructions.WriteString(m.Text())

		case models.RoleUser:
			items = append(items, responsesInputItem{
				Type: "message", Role: "user",
				Content: []responsesContentPart{{Type: "input_text", Text: m.Text()}},
			})

		case models.RoleAssistant:
			if text := m.Text(); text != "" {
				items = append(items, responsesInputItem{
					Type: "message", Role: "assistant",
					Content: []responsesContentPart{{Type: "output_text", Text: text}},
				})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, responsesInputItem{
					Type: "function_call", CallID: tc.ID, Name: tc.Name, Arguments: string(tc.Arguments),
				})
			}

		case models.RoleTool:
			content := ""
			for _, part := range m.Parts {
				if part.Kind == models.PartToolResult {
					content = part.ToolResultContent
				}
			}
			items = append(items, responsesInputItem{Type: "function_call_output", CallID: m.ToolCallID, Output: content})
		}
	}
	return items, instructions.String()
}

func (p *OpenAIResponsesProvider) buildTools(tools []models.ToolDef) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	out := make([]map[string]any, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  schema,
		}
	}
	return out
}

// Call performs one non-streaming completion against the Responses API.
func (p *OpenAIResponsesProvider) Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
	model := p.modelOrDefault("")
	input, instructions := p.buildInput(messages)

	reqBody := responsesRequest{
		Model:           model,
		Input:           input,
		Instructions:    instructions,
		MaxOutputTokens: p.MaxOutputTokens(model),
		Tools:           p.buildTools(tools),
	}
	if isReasoningCapable(model) {
		reqBody.Reasoning = &responsesReasoning{Effort: "medium"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return agent.Result{Failure: &agent.Failure{Reason: classify.Fatal, UserMessage: "failed to encode request", Err: err}}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return agent.Result{Failure: &agent.Failure{Reason: classify.Fatal, UserMessage: "failed to build request", Err: err}}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return p.failureResult(err, 0, model)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.failureResult(err, resp.StatusCode, model)
	}

	if resp.StatusCode >= 300 {
		return p.failureResult(fmt.Errorf("openai responses: %s", string(respBody)), resp.StatusCode, model)
	}

	var parsed responsesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return p.failureResult(err, resp.StatusCode, model)
	}
	if parsed.Error != nil {
		return p.failureResult(fmt.Errorf("openai responses: %s", parsed.Error.Message), resp.StatusCode, model)
	}

	return p.resultFromResponse(parsed)
}

// CallStream streams a Responses API completion, parsing the SSE event
// taxonomy: response.output_item.added announces a new output item (text
// message or function call), response.output_text.delta/
// response.function_call_arguments.delta carry incremental fragments, and
// response.completed carries the full final response, which is what
// assembles the returned agent.Result (the same way Call does).
func (p *OpenAIResponsesProvider) CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk agent.OnChunk) agent.Result {
	model := p.modelOrDefault("")
	input, instructions := p.buildInput(messages)

	reqBody := responsesRequest{
		Model:           model,
		Input:           input,
		Instructions:    instructions,
		MaxOutputTokens: p.MaxOutputTokens(model),
		Tools:           p.buildTools(tools),
		Stream:          true,
	}
	if isReasoningCapable(model) {
		reqBody.Reasoning = &responsesReasoning{Effort: "medium"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return agent.Result{Failure: &agent.Failure{Reason: classify.Fatal, UserMessage: "failed to encode request", Err: err}}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return agent.Result{Failure: &agent.Failure{Reason: classify.Fatal, UserMessage: "failed to build request", Err: err}}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return p.failureResult(err, 0, model)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return p.failureResult(fmt.Errorf("openai responses: %s", string(respBody)), resp.StatusCode, model)
	}

	return p.processResponsesStream(ctx, resp.Body, model, onChunk)
}

// responsesPendingCall tracks one function_call output item between its
// response.output_item.added event and response.completed.
type responsesPendingCall struct {
	index int
}

func (p *OpenAIResponsesProvider) processResponsesStream(ctx context.Context, body io.Reader, model string, onChunk agent.OnChunk) agent.Result {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var text strings.Builder
	pending := map[string]*responsesPendingCall{} // item id -> accumulator
	var finalResp *responsesResponse

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return agent.Result{Recovered: true, RecoveredError: ctx.Err(),
				ResponseMessage: models.NewTextMessage(models.RoleAssistant, text.String())}
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			p.logger.Warn("skipping unparseable responses stream event", slog.String("model", model))
			continue
		}

		switch event.Type {
		case "response.output_item.added":
			if event.Item != nil && event.Item.Type == "function_call" {
				idx := len(pending)
				pending[event.Item.ID] = &responsesPendingCall{index: idx}
				onChunk(agent.Chunk{Kind: agent.ChunkToolCallDelta, ToolCallDelta: &agent.ToolCallDelta{
					Index: idx, ID: event.Item.CallID, Name: event.Item.Name,
				}})
			}

		case "response.output_text.delta":
			if event.Delta != "" {
				text.WriteString(event.Delta)
				onChunk(agent.Chunk{Kind: agent.ChunkContent, Content: event.Delta})
			}

		case "response.function_call_arguments.delta":
			if acc, ok := pending[event.ItemID]; ok && event.Delta != "" {
				onChunk(agent.Chunk{Kind: agent.ChunkToolCallDelta, ToolCallDelta: &agent.ToolCallDelta{
					Index: acc.index, ArgumentsFragment: event.Delta,
				}})
			}

		case "response.completed":
			finalResp = event.Response
		}
	}

	if err := scanner.Err(); err != nil {
		return p.failureResult(err, 0, model)
	}
	if finalResp != nil {
		return p.resultFromResponse(*finalResp)
	}

	// The stream ended (or the server closed early) without a
	// response.completed event; fall back to whatever text accumulated.
	return agent.Result{ResponseMessage: models.NewTextMessage(models.RoleAssistant, text.String())}
}

func (p *OpenAIResponsesProvider) resultFromResponse(resp responsesResponse) agent.Result {
	var text strings.Builder
	var toolCalls []models.ToolCall
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			toolCalls = append(toolCalls, models.ToolCall{ID: item.CallID, Name: item.Name, Arguments: json.RawMessage(item.Arguments)})
		}
	}

	msg := models.NewTextMessage(models.RoleAssistant, text.String())
	msg.ToolCalls = toolCalls
	return agent.Result{
		ResponseMessage: msg,
		ToolCalls:       toolCalls,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
	}
}

// FormatToolResults builds Responses-API function_call_output continuation
// messages.
func (p *OpenAIResponsesProvider) FormatToolResults(results []models.ToolResult) []models.Message {
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

func (p *OpenAIResponsesProvider) failureResult(err error, status int, model string) agent.Result {
	c := classify.Classify(classify.Input{Status: status, Body: err.Error()})
	p.logger.Warn("openai responses call failed", slog.String("model", model), slog.String("reason", string(c.Reason)))
	return agent.Result{Failure: &agent.Failure{Reason: c.Reason, UserMessage: c.UserMessage, Err: err}}
}
