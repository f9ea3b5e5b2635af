package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentbridge/runtime/internal/storage/memstore"
	"github.com/agentbridge/runtime/pkg/models"
)

// fakeEngine is a test double for Engine. Dispatch and Result behavior are
// configured per-test via its fields.
type fakeEngine struct {
	mu sync.Mutex

	dispatchErr error
	executionID string

	// For any execution id, Result returns resultErr if it is set;
	// otherwise it returns not-done for the first notReadyFor calls and
	// (output, done) after that.
	output      map[string]any
	done        bool
	resultErr   error
	notReadyFor int
	calls       int
}

func (f *fakeEngine) Dispatch(ctx context.Context, workflowID string, env models.TriggerEnvelope) (string, error) {
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	return f.executionID, nil
}

func (f *fakeEngine) Result(ctx context.Context, executionID string) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultErr != nil {
		return nil, false, f.resultErr
	}
	f.calls++
	if f.calls <= f.notReadyFor {
		return nil, false, nil
	}
	return f.output, f.done, nil
}

func newTestDispatcher(t *testing.T, engine Engine) (*Dispatcher, *Registry) {
	t.Helper()
	reg := NewRegistry(memstore.NewWebhookStore(), nil, "https://remote.example/hooks/%s")
	d := NewDispatcher(reg, engine, DispatcherConfig{
		WaitForResultDeadline: 200 * time.Millisecond,
		ResultPollInterval:    10 * time.Millisecond,
	})
	return d, reg
}

func newMux(d *Dispatcher) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/webhooks/trigger/{workflowId}", d)
	return mux
}

func TestDispatcher_NotFound(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeEngine{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/missing", nil)
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDispatcher_MethodMismatch(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakeEngine{})
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{Method: models.MethodGET, AuthType: models.AuthNone}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestDispatcher_Unauthorized(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakeEngine{})
	_, err := reg.Register(context.Background(), "wf-1", RegisterConfig{
		Method:      models.MethodPOST,
		AuthType:    models.AuthBearer,
		Credentials: models.WebhookCredentials{Token: "secret-token"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestDispatcher_BearerAuthorized(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakeEngine{executionID: "exec-1"})
	_, err := reg.Register(context.Background(), "wf-1", RegisterConfig{
		Method:      models.MethodPOST,
		AuthType:    models.AuthBearer,
		Credentials: models.WebhookCredentials{Token: "secret-token"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestDispatcher_BasicAuthorized(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakeEngine{executionID: "exec-1"})
	_, err := reg.Register(context.Background(), "wf-1", RegisterConfig{
		Method:      models.MethodPOST,
		AuthType:    models.AuthBasic,
		Credentials: models.WebhookCredentials{User: "u", Pass: "p"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	req.SetBasicAuth("u", "p")
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestDispatcher_EngineUnavailable(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakeEngine{dispatchErr: ErrEngineUnavailable})
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{Method: models.MethodPOST, AuthType: models.AuthNone}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestDispatcher_ImmediateResponse(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakeEngine{executionID: "exec-1"})
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{
		Method:       models.MethodPOST,
		AuthType:     models.AuthNone,
		ResponseMode: models.ResponseImmediate,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "accepted" {
		t.Fatalf("expected status accepted, got %v", body["status"])
	}
}

func TestDispatcher_WaitForResultCompletes(t *testing.T) {
	engine := &fakeEngine{executionID: "exec-1", output: map[string]any{"greeting": "hi"}, done: true, notReadyFor: 2}
	d, reg := newTestDispatcher(t, engine)
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{
		Method:       models.MethodPOST,
		AuthType:     models.AuthNone,
		ResponseMode: models.ResponseWaitForResult,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["greeting"] != "hi" {
		t.Fatalf("expected greeting hi, got %v", body)
	}
}

func TestDispatcher_WaitForResultTimesOut(t *testing.T) {
	engine := &fakeEngine{executionID: "exec-1", done: false}
	d, reg := newTestDispatcher(t, engine)
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{
		Method:       models.MethodPOST,
		AuthType:     models.AuthNone,
		ResponseMode: models.ResponseWaitForResult,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	newMux(d).ServeHTTP(rr, req)
	// Seed scenario 6 (spec.md §8): dispatch succeeded, completion didn't,
	// the response is still 200.
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on timeout, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "timeout" {
		t.Fatalf("expected status timeout, got %v", body["status"])
	}
}

func TestDispatcher_ResponseTemplate(t *testing.T) {
	engine := &fakeEngine{executionID: "exec-1", output: map[string]any{"user": map[string]any{"name": "Ada"}}, done: true}
	d, reg := newTestDispatcher(t, engine)
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{
		Method:           models.MethodPOST,
		AuthType:         models.AuthNone,
		ResponseMode:     models.ResponseWaitForResult,
		ResponseTemplate: "hello {{user.name}}",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil)
	newMux(d).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "hello Ada" {
		t.Fatalf("expected rendered template, got %q", got)
	}
}

func TestDispatcher_StatsTracked(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakeEngine{executionID: "exec-1"})
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{Method: models.MethodPOST, AuthType: models.AuthNone}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mux := newMux(d)

	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", nil))
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/trigger/missing", nil))

	stats := d.Stats()
	if stats.TotalRequests != 2 {
		t.Fatalf("expected 2 total requests, got %d", stats.TotalRequests)
	}
	if stats.TotalAccepted != 1 {
		t.Fatalf("expected 1 accepted, got %d", stats.TotalAccepted)
	}
	if stats.TotalRejected != 1 {
		t.Fatalf("expected 1 rejected, got %d", stats.TotalRejected)
	}
}
