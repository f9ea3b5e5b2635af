package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentbridge/runtime/pkg/models"
)

// ToolExecutor runs a single tool call and returns its result. Implementations
// are expected to apply their own per-call timeout derived from ctx.
type ToolExecutor func(ctx context.Context, call models.ToolCall) models.ToolResult

// OrchestratorConfig bounds one turn loop's behavior.
type OrchestratorConfig struct {
	// MaxToolTurns caps the number of adapter round-trips a single user turn
	// may make before it is forced to conclude. Default 8.
	MaxToolTurns int

	// ToolTimeout bounds a single tool call's execution. Default 30s.
	ToolTimeout time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxToolTurns <= 0 {
		c.MaxToolTurns = 8
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	return c
}

// caller is the subset of Engine's surface the orchestrator needs: a
// retry-wrapped Call/CallStream plus the adapter's own result-formatting
// helper. Implemented by *retryengine.Engine in production and by a fake in
// tests.
type caller interface {
	Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) Result
	CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk OnChunk) Result
}

// Orchestrator drives the call → execute-tools → re-enter turn loop described
// in the turn-loop design. Every turn inside the MaxToolTurns budget goes
// through the retry-wrapped caller it's constructed with, so adapter
// failures are already resolved into a clean Result by the time they reach
// here; only the tools-disabled final call after the cap is exceeded is
// made on the adapter directly.
type Orchestrator struct {
	engine   caller
	execTool ToolExecutor
	cfg      OrchestratorConfig
	adapter  Adapter // used for FormatToolResults and the cap-exceeded tools-disabled call
}

// NewOrchestrator constructs an Orchestrator. adapter supplies
// FormatToolResults (provider-shaped continuation messages) and is invoked
// directly, with tools disabled, for the final call after MaxToolTurns is
// exceeded.
func NewOrchestrator(engine caller, adapter Adapter, execTool ToolExecutor, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{engine: engine, execTool: execTool, cfg: cfg.withDefaults(), adapter: adapter}
}

// TurnResult is the outcome of one completed user turn.
type TurnResult struct {
	Messages  []models.Message // the full updated message vector, ready to persist
	Final     models.Message   // the last assistant message shown to the user
	Cancelled bool
}

// Run executes one user turn starting from messages (which must already
// include the new user message) against tools, streaming content/tool-call
// deltas through onChunk as they're produced.
//
// Cancellation: if ctx is cancelled mid-stream, Run returns immediately with
// a synthetic "cancelled by user" assistant message and Cancelled=true; no
// tool executes and no further adapter calls are made.
func (o *Orchestrator) Run(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk OnChunk) TurnResult {
	for turn := 0; turn < o.cfg.MaxToolTurns; turn++ {
		if ctx.Err() != nil {
			return o.cancelled(messages)
		}

		result := o.engine.CallStream(ctx, messages, tools, onChunk)
		if ctx.Err() != nil {
			return o.cancelled(messages)
		}

		messages = append(messages, result.ResponseMessage)

		if len(result.ToolCalls) == 0 {
			return TurnResult{Messages: messages, Final: result.ResponseMessage}
		}

		toolResults := o.executeTools(ctx, result.ToolCalls)
		if ctx.Err() != nil {
			return o.cancelled(messages)
		}

		messages = append(messages, o.adapter.FormatToolResults(toolResults)...)
	}

	// MaxToolTurns exceeded: force a final answer with tools disabled.
	final := o.adapter.Call(ctx, messages, nil)
	messages = append(messages, final.ResponseMessage)
	return TurnResult{Messages: messages, Final: final.ResponseMessage}
}

// executeTools runs each call through execTool, independently bounding each
// by cfg.ToolTimeout. A tool that panics or times out yields an error result
// rather than aborting the remaining calls.
func (o *Orchestrator) executeTools(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = o.executeOne(ctx, call)
	}
	return results
}

func (o *Orchestrator) executeOne(ctx context.Context, call models.ToolCall) (result models.ToolResult) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	done := make(chan models.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool %q panicked: %v", call.Name, r), IsError: true}
			}
		}()
		done <- o.execTool(callCtx, call)
	}()

	select {
	case r := <-done:
		r.ToolCallID = call.ID
		return r
	case <-callCtx.Done():
		return models.ToolResult{ToolCallID: call.ID, Content: toolTimeoutMessage(call, callCtx.Err()), IsError: true}
	}
}

func toolTimeoutMessage(call models.ToolCall, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("tool %q timed out", call.Name)
	}
	return fmt.Sprintf("tool %q cancelled: %v", call.Name, err)
}

func (o *Orchestrator) cancelled(messages []models.Message) TurnResult {
	msg := models.NewTextMessage(models.RoleAssistant, "cancelled by user")
	return TurnResult{Messages: messages, Final: msg, Cancelled: true}
}
