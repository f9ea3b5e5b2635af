package models

import (
	"encoding/json"
	"testing"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_Text(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []Part{
			{Kind: PartText, Text: "hello "},
			{Kind: PartToolUse, ToolName: "add"},
			{Kind: PartText, Text: "world"},
		},
	}
	if got, want := msg.Text(), "hello world"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	original := Message{
		Role:  RoleAssistant,
		Parts: []Part{{Kind: PartText, Text: "hi"}},
		ToolCalls: []ToolCall{
			{ID: "tc-1", Name: "search", Arguments: json.RawMessage(`{"q":"test"}`)},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Role != original.Role {
		t.Errorf("Role = %v, want %v", decoded.Role, original.Role)
	}
	if len(decoded.ToolCalls) != 1 || decoded.ToolCalls[0].Name != "search" {
		t.Errorf("ToolCalls = %+v, want one call named search", decoded.ToolCalls)
	}
}

func TestTurn_Validate(t *testing.T) {
	ok := Turn{Messages: []Message{
		{Role: RoleUser, Parts: []Part{{Kind: PartText, Text: "2+2?"}}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "tc-1", Name: "add", Arguments: json.RawMessage(`{"a":2,"b":2}`)}}},
		{Role: RoleTool, ToolCallID: "tc-1", Parts: []Part{{Kind: PartToolResult, ToolResultContent: "4"}}},
	}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	bad := Turn{Messages: []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "tc-1", Name: "add"}}},
		{Role: RoleTool, ToolCallID: "tc-999"},
	}}
	if err := bad.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unmatched tool_call_id")
	}
}

func TestToolDef_Struct(t *testing.T) {
	td := ToolDef{
		Name:        "web_search",
		Description: "search the web",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}
	if td.Name != "web_search" {
		t.Errorf("Name = %q, want %q", td.Name, "web_search")
	}
}

func TestPlatform_Constants(t *testing.T) {
	if string(PlatformTelegram) != "telegram" {
		t.Errorf("PlatformTelegram = %q", PlatformTelegram)
	}
	if string(PlatformDiscord) != "discord" {
		t.Errorf("PlatformDiscord = %q", PlatformDiscord)
	}
}
