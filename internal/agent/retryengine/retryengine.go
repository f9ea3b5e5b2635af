// Package retryengine wraps a provider adapter call with the classify →
// retry/recover state machine: token-limit overflow triggers context
// reduction, invalid tool calls get corrective guidance injected, retryable
// failures back off and retry, and anything else becomes a synthetic
// recovered assistant turn rather than a panic or Go error.
package retryengine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/internal/classify"
	"github.com/agentbridge/runtime/internal/ctxmanage"
	"github.com/agentbridge/runtime/internal/toolschema"
	"github.com/agentbridge/runtime/pkg/models"
)

// Config bounds one engine's retry behavior.
type Config struct {
	MaxRetries int // default 3; 5 for Cerebras

	BaseDelay time.Duration // default 1s
	CapDelay  time.Duration // default 30s

	RateLimitBaseDelay time.Duration // default 30s
	RateLimitCapDelay  time.Duration // default 5m

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.CapDelay <= 0 {
		c.CapDelay = 30 * time.Second
	}
	if c.RateLimitBaseDelay <= 0 {
		c.RateLimitBaseDelay = 30 * time.Second
	}
	if c.RateLimitCapDelay <= 0 {
		c.RateLimitCapDelay = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Engine drives one adapter through the retry/recover state machine.
type Engine struct {
	cfg       Config
	adapter   agent.Adapter
	ctxMgr    *ctxmanage.Manager
	validator *toolschema.Validator
	model     string
}

// New constructs an Engine for adapter/model, using mgr for token-limit
// reduction and validator for post-call tool-schema validation.
func New(adapterImpl agent.Adapter, model string, mgr *ctxmanage.Manager, validator *toolschema.Validator, cfg Config) *Engine {
	if mgr == nil {
		mgr = ctxmanage.New()
	}
	if validator == nil {
		validator = toolschema.New()
	}
	return &Engine{cfg: cfg.withDefaults(), adapter: adapterImpl, ctxMgr: mgr, validator: validator, model: model}
}

// Call runs the retry state machine around one adapter.Call invocation.
func (e *Engine) Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
	return e.run(ctx, messages, tools, func(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
		return e.adapter.Call(ctx, messages, tools)
	})
}

// CallStream runs the retry state machine around one adapter.CallStream
// invocation. A retry discards any partial streamed output from the failed
// attempt; onChunk only ever sees deltas from the attempt that is returned.
func (e *Engine) CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk agent.OnChunk) agent.Result {
	return e.run(ctx, messages, tools, func(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
		return e.adapter.CallStream(ctx, messages, tools, onChunk)
	})
}

func (e *Engine) run(ctx context.Context, messages []models.Message, tools []models.ToolDef, invoke func(context.Context, []models.Message, []models.ToolDef) agent.Result) agent.Result {
	attempt := 0

	for {
		result := invoke(ctx, messages, tools)

		if result.Failure == nil {
			if len(result.ToolCalls) > 0 {
				valid, invalid := e.validator.Validate(result.ToolCalls, tools)
				if len(invalid) > 0 {
					result.InvalidToolCalls = invalid
					if len(valid) == 0 {
						if attempt >= e.cfg.MaxRetries {
							return e.recover(messages, fmt.Errorf("tool call validation failed after %d attempts", attempt))
						}
						guidance := e.validator.RetryGuidance(invalid, tools)
						messages = append(messages, models.NewTextMessage(models.RoleSystem, guidance))
						e.sleep(ctx, e.backoff(attempt, false))
						attempt++
						continue
					}
				}
			}
			return result
		}

		switch result.Failure.Reason {
		case classify.TokenLimit:
			managed := e.ctxMgr.Manage(messages, e.model, tools)
			if managed.WasManaged {
				messages = managed.Messages
				continue // does not count against attempt budget
			}
			if attempt >= e.cfg.MaxRetries {
				return e.recover(messages, result.Failure.Err)
			}
			attempt++
			continue

		case classify.InvalidToolCall:
			if attempt >= e.cfg.MaxRetries {
				return e.recover(messages, result.Failure.Err)
			}
			messages = append(messages, models.NewTextMessage(models.RoleSystem, result.Failure.UserMessage))
			e.sleep(ctx, e.backoff(attempt, false))
			attempt++
			continue

		case classify.RateLimit:
			if attempt >= e.cfg.MaxRetries {
				return e.recover(messages, result.Failure.Err)
			}
			e.sleep(ctx, e.backoff(attempt, true))
			attempt++
			continue

		case classify.Retryable:
			if attempt >= e.cfg.MaxRetries {
				return e.recover(messages, result.Failure.Err)
			}
			e.sleep(ctx, e.backoff(attempt, false))
			attempt++
			continue

		default: // Auth, Fatal
			return e.recover(messages, result.Failure.Err)
		}
	}
}

// backoff computes min(base·2^attempt + U(0, 0.1·base·2^attempt), cap).
func (e *Engine) backoff(attempt int, rateLimited bool) time.Duration {
	base, cap := e.cfg.BaseDelay, e.cfg.CapDelay
	if rateLimited {
		base, cap = e.cfg.RateLimitBaseDelay, e.cfg.RateLimitCapDelay
	}

	scaled := float64(base) * pow2(attempt)
	jitter := rand.Float64() * 0.1 * scaled // #nosec G404 -- jitter does not require cryptographic randomness
	d := time.Duration(scaled + jitter)
	if d > cap {
		d = cap
	}
	return d
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// recover synthesizes the user-visible give-up response the engine never
// fails to return.
func (e *Engine) recover(messages []models.Message, cause error) agent.Result {
	e.cfg.Logger.Warn("retry engine giving up", slog.Any("cause", cause))
	text := "I wasn't able to complete that request after several attempts. Please try again in a moment."
	return agent.Result{
		ResponseMessage: models.NewTextMessage(models.RoleAssistant, text),
		Recovered:       true,
		RecoveredError:  cause,
	}
}
