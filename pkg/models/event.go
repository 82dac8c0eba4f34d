package models

import "encoding/json"

// EventType is the top-level type of a frame published on a run's event
// channel.
type EventType string

const (
	EventStatus    EventType = "status"
	EventAssistant EventType = "assistant"
	EventToolMsg   EventType = "tool"
)

// Status event subtypes emitted over the lifetime of one run.
const (
	StatusThreadRunStart         = "thread_run_start"
	StatusThreadRunEnd           = "thread_run_end"
	StatusAssistantResponseStart = "assistant_response_start"
	StatusToolStarted            = "tool_started"
	StatusToolCompleted          = "tool_completed"
	StatusToolFailed             = "tool_failed"
	StatusToolError              = "tool_error"
	StatusError                  = "error"
	StatusRunTerminal            = "run_status"
)

// EventFrame is the JSON payload published on run:{runId}:events. During one
// run, Metadata["thread_run_id"] is always set.
type EventFrame struct {
	Type       EventType      `json:"type"`
	StatusType string         `json:"status_type,omitempty"`
	Role       string         `json:"role,omitempty"`
	Content    Content        `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StatusFrame builds a status event frame with the given subtype and text.
func StatusFrame(statusType, text string, metadata map[string]any) EventFrame {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return EventFrame{
		Type:       EventStatus,
		StatusType: statusType,
		Content:    TextContent(text),
		Metadata:   metadata,
	}
}

// Encode serializes the frame for the wire.
func (f EventFrame) Encode() []byte {
	b, err := json.Marshal(f)
	if err != nil {
		return []byte(`{"type":"status","status_type":"error","content":"frame encode failed"}`)
	}
	return b
}

// DecodeEventFrame parses a wire frame.
func DecodeEventFrame(data []byte) (EventFrame, error) {
	var f EventFrame
	err := json.Unmarshal(data, &f)
	return f, err
}
