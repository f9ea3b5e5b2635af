package webhook

import (
	"context"
	"testing"

	"github.com/agentbridge/runtime/internal/storage/memstore"
	"github.com/agentbridge/runtime/pkg/models"
)

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(memstore.NewWebhookStore(), nil, "https://remote.example/hooks/%s")

	url, err := reg.Register(ctx, "wf-1", RegisterConfig{
		UserID:   "user-1",
		Method:   models.MethodPOST,
		AuthType: models.AuthNone,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if url != "https://remote.example/hooks/wf-1" {
		t.Fatalf("expected remote-template URL, got %q", url)
	}

	rec, _, ok := reg.Get("wf-1")
	if !ok {
		t.Fatalf("expected wf-1 to be registered")
	}
	if rec.UserID != "user-1" {
		t.Fatalf("expected UserID user-1, got %q", rec.UserID)
	}

	if err := reg.Unregister(ctx, "wf-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, _, ok := reg.Get("wf-1"); ok {
		t.Fatalf("expected wf-1 to be gone after Unregister")
	}
}

func TestRegistry_PrefersTunnelURL(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(memstore.NewWebhookStore(), func() string { return "https://tunnel.example" }, "https://remote.example/hooks/%s")

	url, err := reg.Register(ctx, "wf-1", RegisterConfig{Method: models.MethodPOST, AuthType: models.AuthNone})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if url != "https://tunnel.example/webhooks/trigger/wf-1" {
		t.Fatalf("expected tunnel URL, got %q", url)
	}
}

func TestRegistry_LoadAll(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewWebhookStore()
	if err := store.Create(ctx, &models.WebhookRecord{WorkflowID: "wf-1", Method: models.MethodPOST}); err != nil {
		t.Fatalf("seed Create: %v", err)
	}

	reg := NewRegistry(store, nil, "https://remote.example/hooks/%s")
	if err := reg.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if _, _, ok := reg.Get("wf-1"); !ok {
		t.Fatalf("expected wf-1 to be loaded from storage")
	}
}
