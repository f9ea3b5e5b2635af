// Package models defines the core data types shared across the agent runtime.
package models

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message within a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind discriminates the tagged union carried by Part.
type PartKind string

const (
	PartText             PartKind = "text"
	PartImage            PartKind = "image"
	PartToolUse          PartKind = "tool_use"
	PartToolResult       PartKind = "tool_result"
	PartThoughtSignature PartKind = "thought_signature"
)

// Part is one element of a message's content. Exactly the fields matching
// Kind are populated; the rest are zero. This mirrors the tagged-sum content
// model used by every provider wire format underneath a uniform shape.
type Part struct {
	Kind PartKind `json:"kind"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartImage
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64

	// PartToolUse
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`

	// PartToolResult
	ToolResultID      string `json:"tool_result_id,omitempty"`
	ToolResultContent string `json:"tool_result_content,omitempty"`
	ToolResultIsError bool   `json:"tool_result_is_error,omitempty"`

	// PartThoughtSignature
	Signature string `json:"signature,omitempty"`
}

// Message is one entry in a conversation turn's ordered message vector.
//
// Invariant: a message with Role == RoleTool always carries a ToolCallID
// that references a ToolCall produced by the immediately prior assistant
// message.
type Message struct {
	Role       Role       `json:"role"`
	Parts      []Part     `json:"parts"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"` // assistant only
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Text concatenates every PartText part, the common case for simple turns.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// NewTextMessage builds a single-part text message for the given role.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Kind: PartText, Text: text}}}
}

// ToolDef is a tool's static definition for one conversation turn.
//
// Invariant: Name matches ^[A-Za-z_][A-Za-z0-9_]{0,63}$.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON-Schema subset, object-typed
}

// ToolCall is the model's request to execute a named tool.
//
// Invariant: after validation, Arguments parses to an object conforming to
// the named tool's schema.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Platform identifies an external messaging platform an account is paired on.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
)

// Turn is an ordered sequence of messages plus the tools available to it.
// It is ephemeral: constructed per conversation turn, never persisted as a
// unit (individual messages are persisted by ConversationLogStore).
type Turn struct {
	Messages []Message
	Tools    []ToolDef
}

// Validate checks the structural invariant linking assistant tool calls to
// the subsequent tool messages that answer them.
func (t Turn) Validate() error {
	var pending map[string]bool
	for i, msg := range t.Messages {
		switch msg.Role {
		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				pending = make(map[string]bool, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					pending[tc.ID] = true
				}
			} else {
				pending = nil
			}
		case RoleTool:
			if pending == nil || !pending[msg.ToolCallID] {
				return fmt.Errorf("message %d: tool_call_id %q does not reference a pending assistant tool call", i, msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		}
	}
	return nil
}
