// Package agent defines the uniform contract every provider adapter
// implements, and the orchestrator that drives a conversation turn across
// it.
package agent

import (
	"context"

	"github.com/agentbridge/runtime/internal/classify"
	"github.com/agentbridge/runtime/internal/toolschema"
	"github.com/agentbridge/runtime/pkg/models"
)

// ChunkKind discriminates the two shapes of streaming delta an adapter
// emits.
type ChunkKind string

const (
	ChunkContent        ChunkKind = "content"
	ChunkToolCallDelta   ChunkKind = "tool_call_delta"
	ChunkThinking        ChunkKind = "thinking"
)

// ToolCallDelta is a partial update to an in-progress tool call, indexed so
// fragments delivered out of band (OpenAI-style parallel tool calls) can be
// reassembled by position.
type ToolCallDelta struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}

// Chunk is one streamed delta from callStream.
type Chunk struct {
	Kind          ChunkKind
	Content       string
	ToolCallDelta *ToolCallDelta
}

// OnChunk receives streamed deltas in source order, never concurrently.
type OnChunk func(Chunk)

// Result is the outcome of a call or callStream invocation. The adapter
// contract never throws: any unrecoverable failure is reported through
// Recovered/RecoveredError rather than a Go error return, so conversations
// never crash on a provider hiccup.
type Result struct {
	ResponseMessage  models.Message
	ToolCalls        []models.ToolCall
	Recovered        bool
	RecoveredError   error
	InvalidToolCalls []toolschema.Invalid

	// ToolsSkipped is set by adapters that had to drop tool definitions to
	// recover from a provider-side rejection (Cerebras HTTP 422 retry).
	ToolsSkipped       bool
	ToolsSkippedReason string

	InputTokens  int
	OutputTokens int

	// Failure is non-nil when this attempt did not succeed. The retry
	// engine inspects it to decide whether to retry, reduce context, inject
	// tool-call guidance, or give up; the adapter itself never panics or
	// returns a Go error for provider-side failures.
	Failure *Failure
}

// Failure describes why one adapter attempt did not produce a usable
// response.
type Failure struct {
	Reason      classify.Reason
	UserMessage string
	Err         error
}

// Adapter is the uniform interface every provider variant implements:
// call, callStream, formatToolResults, maxOutputTokens, supportsTools.
type Adapter interface {
	// Call performs one non-streaming completion.
	Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) Result

	// CallStream performs one streaming completion, invoking onChunk for
	// each delta in order. The returned Result carries the same shape as
	// Call once the stream completes (or is recovered from).
	CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk OnChunk) Result

	// FormatToolResults builds the provider-shaped continuation messages
	// for a completed turn's tool results.
	FormatToolResults(results []models.ToolResult) []models.Message

	// MaxOutputTokens returns the default max-tokens value for model,
	// falling back to a provider-wide default for unknown models.
	MaxOutputTokens(model string) int

	// SupportsTools reports whether this adapter can send tool definitions
	// at all.
	SupportsTools() bool

	// Name identifies the adapter for logging and classification.
	Name() string
}
