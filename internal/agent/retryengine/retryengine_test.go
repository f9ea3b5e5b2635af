package retryengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/internal/classify"
	"github.com/agentbridge/runtime/internal/ctxmanage"
	"github.com/agentbridge/runtime/internal/toolschema"
	"github.com/agentbridge/runtime/pkg/models"
)

// scriptedAdapter returns results[0], results[1], ... on successive calls,
// repeating the last entry once exhausted.
type scriptedAdapter struct {
	results []agent.Result
	calls   int
}

func (s *scriptedAdapter) next() agent.Result {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

func (s *scriptedAdapter) Call(ctx context.Context, messages []models.Message, tools []models.ToolDef) agent.Result {
	return s.next()
}
func (s *scriptedAdapter) CallStream(ctx context.Context, messages []models.Message, tools []models.ToolDef, onChunk agent.OnChunk) agent.Result {
	return s.next()
}
func (s *scriptedAdapter) FormatToolResults(results []models.ToolResult) []models.Message { return nil }
func (s *scriptedAdapter) MaxOutputTokens(model string) int                              { return 4096 }
func (s *scriptedAdapter) SupportsTools() bool                                           { return true }
func (s *scriptedAdapter) Name() string                                                  { return "scripted" }

func fastConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Millisecond, CapDelay: 5 * time.Millisecond}
}

func TestEngine_SucceedsImmediately(t *testing.T) {
	ok := agent.Result{ResponseMessage: models.NewTextMessage(models.RoleAssistant, "hi")}
	a := &scriptedAdapter{results: []agent.Result{ok}}
	e := New(a, "gpt-4o", nil, nil, fastConfig())

	result := e.Call(context.Background(), nil, nil)
	if result.Failure != nil || result.Recovered {
		t.Fatalf("want clean success, got %+v", result)
	}
	if a.calls != 1 {
		t.Errorf("calls = %d, want 1", a.calls)
	}
}

func TestEngine_RetryableFailureThenSucceeds(t *testing.T) {
	fail := agent.Result{Failure: &agent.Failure{Reason: classify.Retryable, Err: errors.New("timeout")}}
	ok := agent.Result{ResponseMessage: models.NewTextMessage(models.RoleAssistant, "hi")}
	a := &scriptedAdapter{results: []agent.Result{fail, ok}}
	e := New(a, "gpt-4o", nil, nil, fastConfig())

	result := e.Call(context.Background(), nil, nil)
	if result.Failure != nil || result.Recovered {
		t.Fatalf("want eventual success, got %+v", result)
	}
	if a.calls != 2 {
		t.Errorf("calls = %d, want 2", a.calls)
	}
}

func TestEngine_GivesUpAfterMaxRetries(t *testing.T) {
	fail := agent.Result{Failure: &agent.Failure{Reason: classify.Retryable, Err: errors.New("still down")}}
	a := &scriptedAdapter{results: []agent.Result{fail}}
	e := New(a, "gpt-4o", nil, nil, fastConfig())

	result := e.Call(context.Background(), nil, nil)
	if !result.Recovered {
		t.Fatal("want Recovered = true after exhausting retries")
	}
	if result.RecoveredError == nil {
		t.Error("want RecoveredError set")
	}
	if a.calls != fastConfig().MaxRetries+1 {
		t.Errorf("calls = %d, want %d", a.calls, fastConfig().MaxRetries+1)
	}
}

func TestEngine_FatalGivesUpImmediately(t *testing.T) {
	fail := agent.Result{Failure: &agent.Failure{Reason: classify.Fatal, Err: errors.New("bad request")}}
	a := &scriptedAdapter{results: []agent.Result{fail}}
	e := New(a, "gpt-4o", nil, nil, fastConfig())

	result := e.Call(context.Background(), nil, nil)
	if !result.Recovered {
		t.Fatal("want Recovered = true for Fatal reason")
	}
	if a.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on Fatal)", a.calls)
	}
}

func TestEngine_TokenLimitDelegatesToContextManager(t *testing.T) {
	fail := agent.Result{Failure: &agent.Failure{Reason: classify.TokenLimit, Err: errors.New("context_length_exceeded")}}
	ok := agent.Result{ResponseMessage: models.NewTextMessage(models.RoleAssistant, "hi")}
	a := &scriptedAdapter{results: []agent.Result{fail, ok}}

	mgr := &ctxmanage.Manager{EstimateTokens: func(m models.Message) int { return 1 }}
	// Force Manage to report it reduced something by pre-seeding a manager
	// whose cap is trivially exceeded then satisfied; since Manage's real
	// logic depends on estimate vs cap, use a tiny conversation that is
	// already under cap so WasManaged is false and the engine falls back to
	// counting this as a normal retry attempt instead of an infinite loop.
	messages := []models.Message{models.NewTextMessage(models.RoleUser, "hi")}

	e := New(a, "gpt-4o", mgr, toolschema.New(), fastConfig())
	result := e.Call(context.Background(), messages, nil)
	if result.Failure != nil || result.Recovered {
		t.Fatalf("want eventual success, got %+v", result)
	}
	if a.calls != 2 {
		t.Errorf("calls = %d, want 2", a.calls)
	}
}

func TestEngine_InvalidToolCallInjectsGuidanceAndRetries(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`)
	tools := []models.ToolDef{{Name: "add", Description: "adds", Parameters: schema}}

	badCall := models.ToolCall{ID: "tc-1", Name: "add", Arguments: json.RawMessage(`{"x":"not-a-number"}`)}
	badResult := agent.Result{
		ResponseMessage: models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{badCall}},
		ToolCalls:       []models.ToolCall{badCall},
	}
	goodCall := models.ToolCall{ID: "tc-2", Name: "add", Arguments: json.RawMessage(`{"x":1}`)}
	goodResult := agent.Result{
		ResponseMessage: models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{goodCall}},
		ToolCalls:       []models.ToolCall{goodCall},
	}

	a := &scriptedAdapter{results: []agent.Result{badResult, goodResult}}
	e := New(a, "gpt-4o", nil, toolschema.New(), fastConfig())

	result := e.Call(context.Background(), nil, tools)
	if result.Failure != nil || result.Recovered {
		t.Fatalf("want eventual success, got %+v", result)
	}
	if a.calls != 2 {
		t.Errorf("calls = %d, want 2", a.calls)
	}
}

func TestEngine_RateLimitUsesLongerBackoffSchedule(t *testing.T) {
	fail := agent.Result{Failure: &agent.Failure{Reason: classify.RateLimit, Err: errors.New("429")}}
	ok := agent.Result{ResponseMessage: models.NewTextMessage(models.RoleAssistant, "hi")}
	a := &scriptedAdapter{results: []agent.Result{fail, ok}}

	cfg := fastConfig()
	cfg.RateLimitBaseDelay = time.Millisecond
	cfg.RateLimitCapDelay = 5 * time.Millisecond
	e := New(a, "gpt-4o", nil, nil, cfg)

	result := e.Call(context.Background(), nil, nil)
	if result.Failure != nil || result.Recovered {
		t.Fatalf("want eventual success, got %+v", result)
	}
}

func TestBackoff_NeverExceedsCap(t *testing.T) {
	e := New(&scriptedAdapter{}, "gpt-4o", nil, nil, Config{BaseDelay: time.Second, CapDelay: 2 * time.Second})
	for attempt := 0; attempt < 10; attempt++ {
		d := e.backoff(attempt, false)
		if d > 2*time.Second {
			t.Errorf("backoff(%d) = %v, want <= 2s", attempt, d)
		}
	}
}

func TestBackoff_GrowsWithAttempt(t *testing.T) {
	e := New(&scriptedAdapter{}, "gpt-4o", nil, nil, Config{BaseDelay: time.Second, CapDelay: time.Hour})
	// Use the floor (no jitter) by comparing against the deterministic lower bound: base*2^attempt.
	d0 := e.backoff(0, false)
	d3 := e.backoff(3, false)
	if d3 <= d0 {
		t.Errorf("backoff(3) = %v, want > backoff(0) = %v", d3, d0)
	}
}
