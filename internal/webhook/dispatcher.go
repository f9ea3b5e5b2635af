package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/runtime/pkg/models"
)

// ErrEngineUnavailable is returned by Engine.Dispatch when the workflow
// engine cannot currently accept triggers; the dispatcher maps it to a 503.
var ErrEngineUnavailable = errors.New("webhook: engine unavailable")

// maxTriggerBodyBytes bounds the size of a forwarded request body.
const maxTriggerBodyBytes = 1 << 20 // 1 MiB

// Engine abstracts the workflow engine that receives dispatched triggers.
// Modeled as an injected collaborator rather than a process-wide singleton
// (spec.md §9 "Global state").
type Engine interface {
	// Dispatch submits env for workflowID and returns an execution id that
	// Result can later be polled with.
	Dispatch(ctx context.Context, workflowID string, env models.TriggerEnvelope) (executionID string, err error)
	// Result reports the engine's output bindings for executionID. done is
	// false while the execution is still running.
	Result(ctx context.Context, executionID string) (output map[string]any, done bool, err error)
}

// DispatcherConfig bounds the Dispatcher's timeouts.
type DispatcherConfig struct {
	// WaitForResultDeadline bounds how long a WaitForResult dispatch blocks
	// before returning a timeout body (still 200, per spec.md §8 seed
	// scenario 6 — dispatch succeeded even if completion didn't).
	WaitForResultDeadline time.Duration
	// ResultPollInterval is how often Result is polled while waiting.
	ResultPollInterval time.Duration
	Logger             *slog.Logger
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.WaitForResultDeadline <= 0 {
		c.WaitForResultDeadline = 30 * time.Second
	}
	if c.ResultPollInterval <= 0 {
		c.ResultPollInterval = 250 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Dispatcher implements the push (tunnel) and pull (remote poll) delivery
// modes described in spec.md §4.9.
type Dispatcher struct {
	registry *Registry
	engine   Engine
	cfg      DispatcherConfig

	statsMu sync.Mutex
	stats   Stats
}

// Stats is a snapshot of dispatcher activity, returned by Dispatcher.Stats.
type Stats struct {
	TotalRequests int64
	TotalAccepted int64
	TotalRejected int64
}

// NewDispatcher returns a Dispatcher serving registry's workflows via engine.
func NewDispatcher(registry *Registry, engine Engine, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{registry: registry, engine: engine, cfg: cfg.withDefaults()}
}

// Stats returns a copy of the current counters.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// ServeHTTP implements the push (tunnel) path:
// POST /webhooks/trigger/{workflowId}.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.statsMu.Lock()
	d.stats.TotalRequests++
	d.statsMu.Unlock()

	workflowID := r.PathValue("workflowId")
	rec, creds, ok := d.registry.Get(workflowID)
	if !ok {
		d.reject()
		http.Error(w, "webhook not found", http.StatusNotFound)
		return
	}

	if rec.Method != models.MethodANY && string(rec.Method) != r.Method {
		d.reject()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !authorize(rec.AuthType, creds, r) {
		d.reject()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	env, err := envelopeFromRequest(workflowID, r)
	if err != nil {
		d.reject()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.dispatchAndRespond(w, r.Context(), rec, env)
}

func (d *Dispatcher) dispatchAndRespond(w http.ResponseWriter, ctx context.Context, rec *models.WebhookRecord, env models.TriggerEnvelope) {
	executionID, err := d.engine.Dispatch(ctx, rec.WorkflowID, env)
	if err != nil {
		d.reject()
		if errors.Is(err, ErrEngineUnavailable) {
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}

	d.statsMu.Lock()
	d.stats.TotalAccepted++
	d.statsMu.Unlock()

	if rec.ResponseMode != models.ResponseWaitForResult {
		d.writeResponse(w, rec, http.StatusOK, map[string]any{"status": "accepted", "trigger_id": env.TriggerID})
		return
	}

	output, completed := d.awaitResult(ctx, executionID)
	if !completed {
		d.writeResponse(w, rec, http.StatusOK, map[string]any{"status": "timeout", "trigger_id": env.TriggerID})
		return
	}
	d.writeResponse(w, rec, http.StatusOK, output)
}

// awaitResult polls Engine.Result until it reports done, the deadline
// elapses, or the request context is cancelled.
func (d *Dispatcher) awaitResult(ctx context.Context, executionID string) (map[string]any, bool) {
	deadline := time.NewTimer(d.cfg.WaitForResultDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.ResultPollInterval)
	defer ticker.Stop()

	for {
		output, done, err := d.engine.Result(ctx, executionID)
		if err != nil {
			d.cfg.Logger.Warn("webhook result poll failed", slog.String("execution_id", executionID), slog.Any("error", err))
		} else if done {
			return output, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-ticker.C:
		}
	}
}

// writeResponse renders body through rec's response template (if any) with
// rec's configured content type, falling back to raw JSON of body.
func (d *Dispatcher) writeResponse(w http.ResponseWriter, rec *models.WebhookRecord, status int, body map[string]any) {
	contentType := rec.ResponseContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)

	if rec.ResponseTemplate == "" {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
		return
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resolveTemplate(rec.ResponseTemplate, body))
}

func (d *Dispatcher) reject() {
	d.statsMu.Lock()
	d.stats.TotalRejected++
	d.statsMu.Unlock()
}

func envelopeFromRequest(workflowID string, r *http.Request) (models.TriggerEnvelope, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxTriggerBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return models.TriggerEnvelope{}, fmt.Errorf("read body: %w", err)
	}
	return models.TriggerEnvelope{
		TriggerID:  uuid.NewString(),
		WorkflowID: workflowID,
		ReceivedAt: time.Now(),
		Method:     models.HTTPMethod(r.Method),
		Headers:    r.Header,
		Query:      r.URL.Query(),
		Body:       body,
	}, nil
}

// authorize checks r against rec's auth type using constant-time comparison
// for any secret material (spec.md §4.9).
func authorize(authType models.AuthType, creds models.WebhookCredentials, r *http.Request) bool {
	switch authType {
	case models.AuthNone, "":
		return true
	case models.AuthBasic:
		user, pass, ok := r.BasicAuth()
		if !ok {
			return false
		}
		return constantTimeEqual(user, creds.User) && constantTimeEqual(pass, creds.Pass)
	case models.AuthBearer, models.AuthSigned:
		token := bearerToken(r)
		return token != "" && constantTimeEqual(token, creds.Token)
	default:
		return false
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
