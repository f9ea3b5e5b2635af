// Package classify turns a raw provider error (HTTP status, body, transport
// code) into the canonical taxonomy the retry engine and orchestrator act
// on, plus a user-safe message.
package classify

import (
	"encoding/json"
	"strings"
)

// Reason is the canonical classification of a provider error.
type Reason string

const (
	Retryable       Reason = "retryable"
	TokenLimit      Reason = "token_limit"
	RateLimit       Reason = "rate_limit"
	InvalidToolCall Reason = "invalid_tool_call"
	Auth            Reason = "auth"
	Fatal           Reason = "fatal"
)

// maxUserMessage bounds raw provider text that falls through to the
// user-safe message unchanged.
const maxUserMessage = 200

// Input is everything available about a failed provider call.
type Input struct {
	Status    int    // HTTP status code, 0 if not an HTTP error
	Body      string // raw response body, possibly JSON
	Transport string // transport-level error code, e.g. "connection-reset"
}

// Classification is the output of Classify.
type Classification struct {
	Reason      Reason
	UserMessage string
}

var retryableStatuses = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true, 529: true,
}

var retryableTransportCodes = map[string]bool{
	"connection-reset": true, "timeout": true, "name-resolution": true,
}

// collapsedPhrases maps known-bad substrings in a provider's raw message to
// a stable, user-facing string. Checked case-insensitively.
var collapsedPhrases = []struct {
	substr  string
	message string
}{
	{"credit balance", "the provider account has insufficient credit balance"},
	{"quota exceeded", "the provider account has exceeded its quota"},
	{"overloaded", "the provider is temporarily overloaded"},
}

// Classify applies the ordered rule set from the error classifier design.
func Classify(in Input) Classification {
	body := unwrapNested(in.Body)
	lower := strings.ToLower(body)

	switch {
	case retryableStatuses[in.Status]:
		reason := Retryable
		if in.Status == 429 {
			reason = RateLimit
		}
		return Classification{Reason: reason, UserMessage: userMessage(body)}

	case retryableTransportCodes[strings.ToLower(in.Transport)]:
		return Classification{Reason: Retryable, UserMessage: userMessage(body)}

	case in.Status == 400 && mentionsTokenLimit(lower):
		return Classification{Reason: TokenLimit, UserMessage: userMessage(body)}

	case in.Status == 400 && mentionsToolFailure(lower):
		return Classification{Reason: InvalidToolCall, UserMessage: userMessage(body)}

	case (in.Status == 401 || in.Status == 403) && mentionsAuthFailure(lower):
		return Classification{Reason: Auth, UserMessage: userMessage(body)}

	default:
		return Classification{Reason: Fatal, UserMessage: userMessage(body)}
	}
}

func mentionsTokenLimit(lower string) bool {
	for _, phrase := range []string{"token", "context length", "reduce the length", "too long"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func mentionsToolFailure(lower string) bool {
	for _, phrase := range []string{"function", "tool", "failed to call"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func mentionsAuthFailure(lower string) bool {
	for _, phrase := range []string{"api key", "invalid_api_key"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// unwrapNested recursively unwraps a JSON body that double-encodes its
// error under an "error" key whose value is itself a JSON string, which at
// least one provider does. Returns the innermost textual representation,
// or the original body if it isn't JSON.
func unwrapNested(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return body
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
		Message string        `json:"message"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return body
	}

	if len(envelope.Error) == 0 {
		if envelope.Message != "" {
			return envelope.Message
		}
		return body
	}

	var inner string
	if err := json.Unmarshal(envelope.Error, &inner); err == nil {
		return unwrapNested(inner)
	}

	var innerObj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &innerObj); err == nil && innerObj.Message != "" {
		return innerObj.Message
	}

	return string(envelope.Error)
}

func userMessage(body string) string {
	lower := strings.ToLower(body)
	for _, cp := range collapsedPhrases {
		if strings.Contains(lower, cp.substr) {
			return cp.message
		}
	}
	if len(body) > maxUserMessage {
		return body[:maxUserMessage]
	}
	return body
}
