package models

import "encoding/json"

// ToolCallKind distinguishes how the LLM expressed a tool invocation.
type ToolCallKind string

const (
	// ToolCallNative is a structured tool call from the provider's tool-call API.
	ToolCallNative ToolCallKind = "native"

	// ToolCallXML is an invocation embedded as an XML tag in assistant text.
	ToolCallXML ToolCallKind = "xml"
)

// ToolCall represents an LLM's request to execute a tool. The ID is stable
// across streaming chunks for native calls and synthetic ("xml-<seq>") for
// XML calls.
type ToolCall struct {
	ID        string         `json:"id"`
	Kind      ToolCallKind   `json:"kind"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// XMLTag is the registered tag name for XML calls, empty for native calls.
	XMLTag string `json:"xml_tag,omitempty"`

	// RawXML carries the original XML chunk for bindings that request it.
	RawXML string `json:"-"`
}

// RawArguments returns the arguments as a JSON object, for providers and
// stores that persist the original wire form.
func (tc ToolCall) RawArguments() json.RawMessage {
	if tc.Arguments == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// ToolResult is the outcome of a tool execution. Failures are communicated
// with Success=false rather than Go errors so the loop can continue and let
// the model react.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`

	// ToolCallID links the result to the originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// AssistantMessageID is the persisted assistant message that emitted the
	// originating call.
	AssistantMessageID string `json:"assistant_message_id,omitempty"`

	// Metadata carries tool-specific annotations, e.g. agent_should_terminate.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorResult builds a failed result with the given output message.
func ErrorResult(msg string) ToolResult {
	return ToolResult{Success: false, Output: msg}
}

// SuccessResult builds a successful result with the given output.
func SuccessResult(output string) ToolResult {
	return ToolResult{Success: true, Output: output}
}
