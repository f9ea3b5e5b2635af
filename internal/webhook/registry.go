// Package webhook implements the webhook trigger pipeline: a registry of
// per-workflow webhook configuration and a dispatcher that delivers inbound
// triggers to the workflow engine, either via a public tunnel handler or by
// polling a remote aggregator (spec.md §4.8, §4.9).
package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentbridge/runtime/internal/storage"
	"github.com/agentbridge/runtime/pkg/models"
)

// RegisterConfig is the caller-supplied configuration for a new webhook.
// Credentials never leave process memory: the registry persists only the
// metadata in models.WebhookRecord.
type RegisterConfig struct {
	UserID              string
	Method              models.HTTPMethod
	AuthType            models.AuthType
	Credentials         models.WebhookCredentials
	ResponseMode        models.ResponseMode
	ResponseTemplate    string
	ResponseContentType string
}

// Registry holds per-workflow webhook configuration. Reads are served from
// an in-memory map refreshed at startup by LoadAll; writes go through to
// storage first, then update the map (spec.md §4.8, §5 shared-resource (a)).
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.WebhookRecord
	creds   map[string]models.WebhookCredentials

	store storage.WebhookStore

	// tunnelURL returns the current tunnel base URL, or "" if none is
	// connected. It is polled rather than cached so Registry always
	// reflects the dispatcher's current tunnel state.
	tunnelURL func() string
	// remoteURLPattern is a fmt.Sprintf pattern taking the workflow id,
	// used when no tunnel is available (spec.md §4.8 "remote-server
	// template").
	remoteURLPattern string
}

// NewRegistry returns a Registry backed by store. tunnelURL may be nil, in
// which case the tunnel is always treated as unavailable.
func NewRegistry(store storage.WebhookStore, tunnelURL func() string, remoteURLPattern string) *Registry {
	if tunnelURL == nil {
		tunnelURL = func() string { return "" }
	}
	return &Registry{
		records:          make(map[string]*models.WebhookRecord),
		creds:            make(map[string]models.WebhookCredentials),
		store:            store,
		tunnelURL:        tunnelURL,
		remoteURLPattern: remoteURLPattern,
	}
}

// LoadAll populates the in-memory map from storage. Call once at startup;
// credentials are not persisted and so start empty until workflows are
// reactivated (spec.md §4.8).
func (r *Registry) LoadAll(ctx context.Context) error {
	recs, err := r.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("webhook: load all: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.records[rec.WorkflowID] = rec
	}
	return nil
}

// Register writes through to storage and returns the URL callers should
// configure with the external trigger source.
func (r *Registry) Register(ctx context.Context, workflowID string, cfg RegisterConfig) (string, error) {
	rec := &models.WebhookRecord{
		WorkflowID:          workflowID,
		UserID:              cfg.UserID,
		Method:              cfg.Method,
		AuthType:            cfg.AuthType,
		Credentials:         cfg.Credentials,
		ResponseMode:        cfg.ResponseMode,
		ResponseTemplate:    cfg.ResponseTemplate,
		ResponseContentType: cfg.ResponseContentType,
		CreatedAt:           time.Now(),
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("webhook: register: %w", err)
	}

	r.mu.Lock()
	r.records[workflowID] = rec
	r.creds[workflowID] = cfg.Credentials
	r.mu.Unlock()

	return r.urlFor(workflowID), nil
}

// Unregister removes a workflow's webhook from storage and the in-memory map.
func (r *Registry) Unregister(ctx context.Context, workflowID string) error {
	if err := r.store.Delete(ctx, workflowID); err != nil {
		return fmt.Errorf("webhook: unregister: %w", err)
	}
	r.mu.Lock()
	delete(r.records, workflowID)
	delete(r.creds, workflowID)
	r.mu.Unlock()
	return nil
}

// Get returns the record and credentials for workflowID, if registered.
func (r *Registry) Get(workflowID string) (*models.WebhookRecord, models.WebhookCredentials, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[workflowID]
	if !ok {
		return nil, models.WebhookCredentials{}, false
	}
	return rec, r.creds[workflowID], true
}

// List returns every registered record, sorted by workflow id.
func (r *Registry) List() []*models.WebhookRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.WebhookRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// urlFor resolves the externally reachable trigger URL for workflowID,
// preferring the tunnel if one is connected.
func (r *Registry) urlFor(workflowID string) string {
	if tunnel := r.tunnelURL(); tunnel != "" {
		return fmt.Sprintf("%s/webhooks/trigger/%s", tunnel, workflowID)
	}
	return fmt.Sprintf(r.remoteURLPattern, workflowID)
}
