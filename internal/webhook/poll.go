package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agentbridge/runtime/pkg/models"
)

// PollConfig configures the pull (remote poll) delivery mode.
type PollConfig struct {
	RemoteURL  string
	Interval   time.Duration // default 10s, per spec.md §4.9
	HTTPClient *http.Client
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

type polledTrigger struct {
	TriggerID  string              `json:"trigger_id"`
	WorkflowID string              `json:"workflow_id"`
	Method     string              `json:"method"`
	Headers    map[string][]string `json:"headers"`
	Query      map[string][]string `json:"query"`
	Body       json.RawMessage     `json:"body"`
}

type pollResponse struct {
	Triggers []polledTrigger `json:"triggers"`
}

type confirmRequest struct {
	Results map[string]confirmedResult `json:"results"`
}

type confirmedResult struct {
	Output map[string]any `json:"output"`
}

// Poller periodically fetches triggers from a remote aggregator and
// dispatches them through the same Dispatcher used for the push path.
type Poller struct {
	dispatcher *Dispatcher
	cfg        PollConfig
	logger     *slog.Logger

	// remoteRegistered records the workflow id of every trigger a poll
	// round has returned. Nothing reads it: the drain in OnTunnelConnected
	// is not limited to these workflows.
	remoteRegistered map[string]bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller returns a Poller driving dispatcher.
func NewPoller(dispatcher *Dispatcher, cfg PollConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		dispatcher:       dispatcher,
		cfg:              cfg.withDefaults(),
		logger:           logger,
		remoteRegistered: make(map[string]bool),
	}
}

// OnTunnelDisconnected starts the poll loop if it isn't already running.
func (p *Poller) OnTunnelDisconnected(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return // already running
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, p.done)
}

// OnTunnelConnected stops the poll loop once a poll round comes back empty,
// so an in-flight pull batch is not abandoned mid-delivery: polling
// continues across reconnect, once per Interval, until a round returns no
// triggers or fails. The drain covers every workflow the aggregator returns
// triggers for; it does not restrict polling to workflows with a
// remote-side registration.
func (p *Poller) OnTunnelConnected(ctx context.Context) {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.runMu.Unlock()
	if cancel == nil {
		return
	}

drain:
	for {
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(p.cfg.Interval):
		}
		if n := p.pollOnce(ctx); n == 0 {
			break
		}
	}

	p.runMu.Lock()
	cancel()
	p.cancel = nil
	p.runMu.Unlock()
	<-done
}

// run blocks, polling every cfg.Interval until ctx is cancelled.
func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce fetches and dispatches one batch, returning how many triggers the
// remote aggregator reported (used by OnTunnelConnected to detect drain).
func (p *Poller) pollOnce(ctx context.Context) int {
	triggers, err := p.fetch(ctx)
	if err != nil {
		p.logger.Warn("webhook poll failed", slog.Any("error", err))
		return 0
	}
	if len(triggers) == 0 {
		return 0
	}

	results := make(map[string]confirmedResult)
	for _, t := range triggers {
		p.remoteRegistered[t.WorkflowID] = true

		if _, _, ok := p.dispatcher.registry.Get(t.WorkflowID); !ok {
			continue // workflow not ready locally; leave unconfirmed, it reappears
		}

		env := models.TriggerEnvelope{
			TriggerID:  t.TriggerID,
			WorkflowID: t.WorkflowID,
			ReceivedAt: time.Now(),
			Method:     models.HTTPMethod(t.Method),
			Headers:    t.Headers,
			Query:      t.Query,
			Body:       []byte(t.Body),
		}

		executionID, err := p.dispatcher.engine.Dispatch(ctx, t.WorkflowID, env)
		if err != nil {
			p.logger.Warn("webhook poll dispatch failed", slog.String("trigger_id", t.TriggerID), slog.Any("error", err))
			continue
		}

		output, done, err := p.dispatcher.engine.Result(ctx, executionID)
		if err != nil {
			p.logger.Warn("webhook poll result failed", slog.String("trigger_id", t.TriggerID), slog.Any("error", err))
			continue
		}
		if !done || output == nil {
			// Not ready, or a null completion body: treated as "not ready,
			// retry" (spec.md §9 open question, resolved in DESIGN.md).
			continue
		}

		results[t.TriggerID] = confirmedResult{Output: output}
	}

	if len(results) > 0 {
		if err := p.confirm(ctx, results); err != nil {
			p.logger.Warn("webhook confirm-processed failed", slog.Any("error", err))
		}
	}
	return len(triggers)
}

func (p *Poller) fetch(ctx context.Context) ([]polledTrigger, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.RemoteURL+"/webhooks/poll", nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll request: unexpected status %d", resp.StatusCode)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return out.Triggers, nil
}

func (p *Poller) confirm(ctx context.Context, results map[string]confirmedResult) error {
	body, err := json.Marshal(confirmRequest{Results: results})
	if err != nil {
		return fmt.Errorf("marshal confirm request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RemoteURL+"/confirm-processed", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build confirm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("confirm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm request: unexpected status %d", resp.StatusCode)
	}
	return nil
}
