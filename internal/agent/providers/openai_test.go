package providers

import (
	"testing"

	"github.com/agentbridge/runtime/pkg/models"
)

func TestOpenAIProvider_NameAndTools(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key"})
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
	if !p.SupportsTools() {
		t.Error("SupportsTools() = false, want true")
	}
}

func TestOpenAIProvider_MaxOutputTokens(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	tests := []struct {
		model string
		want  int
	}{
		{"gpt-4o", 16384},
		{"gpt-4o-mini", 16384},
		{"gpt-4-turbo", 8192},
		{"gpt-3.5-turbo", 4096},
	}
	for _, tt := range tests {
		if got := p.MaxOutputTokens(tt.model); got != tt.want {
			t.Errorf("MaxOutputTokens(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestOpenAIProvider_ModelOrDefault(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{DefaultModel: "gpt-4o-mini"})
	if got := p.modelOrDefault(""); got != "gpt-4o-mini" {
		t.Errorf("modelOrDefault(\"\") = %q, want gpt-4o-mini", got)
	}
	if got := p.modelOrDefault("gpt-4o"); got != "gpt-4o" {
		t.Errorf("modelOrDefault(explicit) = %q, want gpt-4o", got)
	}

	bare := NewOpenAIProvider(OpenAIConfig{})
	if got := bare.modelOrDefault(""); got != "gpt-4o" {
		t.Errorf("modelOrDefault fallback = %q, want gpt-4o", got)
	}
}

func TestOpenAIProvider_ConvertMessagesDropsImagesOffAllowlist(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	messages := []models.Message{
		{Role: models.RoleUser, Parts: []models.Part{
			{Kind: models.PartText, Text: "what is this"},
			{Kind: models.PartImage, MimeType: "image/png", Data: "Zm9v"},
		}},
	}
	out := p.convertMessages(messages, "gpt-3.5-turbo")
	if len(out) != 1 {
		t.Fatalf("convertMessages() returned %d messages, want 1", len(out))
	}
	if out[0].Content != "what is this" {
		t.Errorf("Content = %q, want the text-only fallback", out[0].Content)
	}
	if len(out[0].MultiContent) != 0 {
		t.Errorf("MultiContent = %+v, want none for a non-vision model", out[0].MultiContent)
	}
}

func TestOpenAIProvider_ConvertMessagesKeepsImagesOnAllowlistedModel(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	messages := []models.Message{
		{Role: models.RoleUser, Parts: []models.Part{
			{Kind: models.PartText, Text: "what is this"},
			{Kind: models.PartImage, MimeType: "image/png", Data: "Zm9v"},
		}},
	}
	out := p.convertMessages(messages, "gpt-4o")
	if len(out) != 1 {
		t.Fatalf("convertMessages() returned %d messages, want 1", len(out))
	}
	if len(out[0].MultiContent) != 2 {
		t.Errorf("MultiContent = %d parts, want 2 (text + image)", len(out[0].MultiContent))
	}
}

func TestOpenAIProvider_FormatToolResults(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	out := p.FormatToolResults([]models.ToolResult{{ToolCallID: "call_1", Content: "42"}})
	if len(out) != 1 || out[0].Role != models.RoleTool || out[0].ToolCallID != "call_1" {
		t.Errorf("FormatToolResults() = %+v", out)
	}
}
