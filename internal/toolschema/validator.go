// Package toolschema validates model-generated tool calls against each
// tool's declared JSON-Schema and produces corrective guidance for the
// calls that fail.
package toolschema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentbridge/runtime/pkg/models"
)

// Valid is a tool call that parsed and validated against its tool's schema.
type Valid struct {
	Call      models.ToolCall
	Arguments map[string]any
}

// Invalid is a tool call rejected during validation, with enough detail to
// build retry guidance.
type Invalid struct {
	Call     models.ToolCall
	Reason   string // "unknown_tool", "malformed_arguments", "schema_violation"
	Path     string
	Expected string
	Actual   string
}

// Validator validates tool calls against a fixed set of tool definitions
// for one conversation turn. It is pure: Validate and RetryGuidance are
// total functions of their inputs with no hidden state beyond a schema
// compilation cache.
type Validator struct {
	schemaCache sync.Map // schema string -> *jsonschema.Schema
}

// New returns a ready-to-use Validator.
func New() *Validator {
	return &Validator{}
}

// Validate partitions calls into those that validate against their named
// tool's schema and those that don't. valid ∪ invalid == calls and
// valid ∩ invalid == ∅.
func (v *Validator) Validate(calls []models.ToolCall, tools []models.ToolDef) (valid []Valid, invalid []Invalid) {
	byName := make(map[string]models.ToolDef, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	for _, call := range calls {
		tool, ok := byName[call.Name]
		if !ok {
			invalid = append(invalid, Invalid{Call: call, Reason: "unknown_tool"})
			continue
		}

		var args map[string]any
		if len(call.Arguments) == 0 {
			args = map[string]any{}
		} else if err := json.Unmarshal(call.Arguments, &args); err != nil {
			invalid = append(invalid, Invalid{Call: call, Reason: "malformed_arguments", Actual: err.Error()})
			continue
		}

		schema, err := v.compile(call.Name, tool.Parameters)
		if err != nil {
			invalid = append(invalid, Invalid{Call: call, Reason: "malformed_arguments", Actual: err.Error()})
			continue
		}

		if err := schema.Validate(toJSONInterface(args)); err != nil {
			path, expected, actual := describeViolation(err)
			invalid = append(invalid, Invalid{Call: call, Reason: "schema_violation", Path: path, Expected: expected, Actual: actual})
			continue
		}

		valid = append(valid, Valid{Call: call, Arguments: args})
	}
	return valid, invalid
}

// toJSONInterface round-trips through JSON so jsonschema sees the same
// number/string representations it would see from a freshly decoded body
// (map[string]any from json.Unmarshal already satisfies this, but we keep
// the helper so future callers passing typed structs get the same shape).
func toJSONInterface(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func (v *Validator) compile(toolName string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := v.schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString(toolName+".schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %q: %w", toolName, err)
	}
	v.schemaCache.Store(key, compiled)
	return compiled, nil
}

func describeViolation(err error) (path, expected, actual string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "", "", err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return leaf.InstanceLocation, leaf.KeywordLocation, leaf.Message
}

// RetryGuidance builds a system message enumerating each invalid call's
// offending name/arguments, the tool's authoritative schema, and common
// remediation hints (enum values, required fields, type coercion).
func (v *Validator) RetryGuidance(invalid []Invalid, tools []models.ToolDef) string {
	if len(invalid) == 0 {
		return ""
	}

	byName := make(map[string]models.ToolDef, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	var b strings.Builder
	b.WriteString("Some tool calls were invalid and were not executed. Fix and retry:\n")
	for _, inv := range invalid {
		fmt.Fprintf(&b, "- tool %q, arguments %s: ", inv.Call.Name, string(inv.Call.Arguments))
		switch inv.Reason {
		case "unknown_tool":
			b.WriteString("no such tool is available.\n")
			continue
		case "malformed_arguments":
			fmt.Fprintf(&b, "arguments are not valid JSON (%s).\n", inv.Actual)
		default:
			fmt.Fprintf(&b, "violates schema at %s: expected %s, got %s.\n", inv.Path, inv.Expected, inv.Actual)
		}

		if tool, ok := byName[inv.Call.Name]; ok {
			fmt.Fprintf(&b, "  authoritative schema: %s\n", string(tool.Parameters))
		}
	}
	b.WriteString("Remediation hints: use only the declared enum values, include every required field, and coerce values to the declared type (e.g. numbers must not be quoted strings).\n")
	return b.String()
}
