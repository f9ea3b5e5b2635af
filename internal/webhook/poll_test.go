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

// fakeRemote simulates the remote aggregator's /webhooks/poll and
// /confirm-processed endpoints.
type fakeRemote struct {
	mu       sync.Mutex
	batches  [][]polledTrigger
	confirms []map[string]confirmedResult
}

func (f *fakeRemote) nextBatch() []polledTrigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b
}

func (f *fakeRemote) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/poll", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pollResponse{Triggers: f.nextBatch()})
	})
	mux.HandleFunc("/confirm-processed", func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.confirms = append(f.confirms, req.Results)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func newTestPoller(t *testing.T, remoteURL string, engine Engine) (*Poller, *Registry) {
	t.Helper()
	reg := NewRegistry(memstore.NewWebhookStore(), nil, "https://remote.example/hooks/%s")
	d := NewDispatcher(reg, engine, DispatcherConfig{})
	p := NewPoller(d, PollConfig{RemoteURL: remoteURL, Interval: 10 * time.Millisecond}, nil)
	return p, reg
}

func TestPoller_PollOnceDispatchesRegisteredWorkflow(t *testing.T) {
	remote := &fakeRemote{batches: [][]polledTrigger{{{TriggerID: "t1", WorkflowID: "wf-1", Method: "POST"}}}}
	srv := remote.server()
	defer srv.Close()

	engine := &fakeEngine{executionID: "exec-1", output: map[string]any{"ok": true}, done: true}
	p, reg := newTestPoller(t, srv.URL, engine)
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{Method: models.MethodPOST, AuthType: models.AuthNone}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	n := p.pollOnce(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 trigger fetched, got %d", n)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.confirms) != 1 {
		t.Fatalf("expected 1 confirm call, got %d", len(remote.confirms))
	}
	if _, ok := remote.confirms[0]["t1"]; !ok {
		t.Fatalf("expected trigger t1 to be confirmed, got %v", remote.confirms[0])
	}
}

func TestPoller_SkipsUnregisteredWorkflow(t *testing.T) {
	remote := &fakeRemote{batches: [][]polledTrigger{{{TriggerID: "t1", WorkflowID: "wf-unknown", Method: "POST"}}}}
	srv := remote.server()
	defer srv.Close()

	engine := &fakeEngine{executionID: "exec-1", output: map[string]any{"ok": true}, done: true}
	p, _ := newTestPoller(t, srv.URL, engine)

	n := p.pollOnce(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 trigger fetched, got %d", n)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.confirms) != 0 {
		t.Fatalf("expected no confirm call for unregistered workflow, got %d", len(remote.confirms))
	}
}

func TestPoller_NotReadyResultIsNotConfirmed(t *testing.T) {
	remote := &fakeRemote{batches: [][]polledTrigger{{{TriggerID: "t1", WorkflowID: "wf-1", Method: "POST"}}}}
	srv := remote.server()
	defer srv.Close()

	engine := &fakeEngine{executionID: "exec-1", done: false}
	p, reg := newTestPoller(t, srv.URL, engine)
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{Method: models.MethodPOST, AuthType: models.AuthNone}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	p.pollOnce(context.Background())

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.confirms) != 0 {
		t.Fatalf("expected no confirm call when result is not ready, got %d", len(remote.confirms))
	}
}

func TestPoller_EmptyBatchReturnsZero(t *testing.T) {
	remote := &fakeRemote{}
	srv := remote.server()
	defer srv.Close()

	p, _ := newTestPoller(t, srv.URL, &fakeEngine{})
	if n := p.pollOnce(context.Background()); n != 0 {
		t.Fatalf("expected 0 for empty batch, got %d", n)
	}
}

func TestPoller_TunnelDisconnectConnectDrainsThenStops(t *testing.T) {
	remote := &fakeRemote{batches: [][]polledTrigger{
		{{TriggerID: "t1", WorkflowID: "wf-1", Method: "POST"}},
		{{TriggerID: "t2", WorkflowID: "wf-1", Method: "POST"}},
		{},
	}}
	srv := remote.server()
	defer srv.Close()

	engine := &fakeEngine{executionID: "exec-1", output: map[string]any{"ok": true}, done: true}
	p, reg := newTestPoller(t, srv.URL, engine)
	if _, err := reg.Register(context.Background(), "wf-1", RegisterConfig{Method: models.MethodPOST, AuthType: models.AuthNone}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	p.OnTunnelDisconnected(ctx)

	done := make(chan struct{})
	go func() {
		p.OnTunnelConnected(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTunnelConnected did not drain and stop in time")
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.confirms) < 2 {
		t.Fatalf("expected at least 2 confirm rounds during drain, got %d", len(remote.confirms))
	}
}

func TestPoller_OnTunnelDisconnectedIsIdempotent(t *testing.T) {
	remote := &fakeRemote{}
	srv := remote.server()
	defer srv.Close()

	p, _ := newTestPoller(t, srv.URL, &fakeEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.OnTunnelDisconnected(ctx)
	p.OnTunnelDisconnected(ctx) // should not start a second loop

	p.runMu.Lock()
	cancelFn := p.cancel
	p.runMu.Unlock()
	if cancelFn == nil {
		t.Fatal("expected poll loop to be running")
	}
}
