package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies a message within a thread.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageTool      MessageType = "tool"
	MessageStatus    MessageType = "status"
	MessageSummary   MessageType = "summary"
	MessageSystem    MessageType = "system"
)

// Thread is an append-only conversation log owned by a project/account.
type Thread struct {
	ID        string    `json:"thread_id"`
	ProjectID string    `json:"project_id,omitempty"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DemoAccountID is the sentinel account allowed to create threads without an
// existing account row.
const DemoAccountID = "demo"

// Message is a single immutable entry in a thread. Content is either a plain
// string or an ordered sequence of typed parts; see Content.
type Message struct {
	ID           string         `json:"message_id"`
	ThreadID     string         `json:"thread_id"`
	Type         MessageType    `json:"type"`
	IsLLMMessage bool           `json:"is_llm_message"`
	Content      Content        `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`

	// Seq is the store-assigned insertion order, used as the tiebreaker when
	// two messages share a creation timestamp.
	Seq int64 `json:"-"`
}

// Content holds message content in one of two shapes: a UTF-8 string or an
// ordered list of typed parts. A content with non-nil Parts serializes as a
// JSON array, otherwise as a JSON string.
type Content struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of structured message content.
type ContentPart struct {
	Type       string      `json:"type"` // text, image_url, tool_call, tool_result
	Text       string      `json:"text,omitempty"`
	ImageURL   string      `json:"image_url,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextContent builds string-shaped content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// PartsContent builds structured content from ordered parts.
func PartsContent(parts ...ContentPart) Content {
	return Content{Parts: parts}
}

// IsStructured reports whether the content carries typed parts rather than a
// plain string.
func (c Content) IsStructured() bool {
	return c.Parts != nil
}

// String flattens the content to text. Structured parts contribute their text
// fields in order; non-text parts are skipped.
func (c Content) String() string {
	if !c.IsStructured() {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Text != "" {
			out += p.Text
		}
	}
	return out
}

// MarshalJSON serializes string content as a JSON string and structured
// content as a JSON array of parts, preserving order.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsStructured() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either shape.
func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty content")
	}
	switch data[0] {
	case '"':
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	case '[':
		c.Text = ""
		if c.Parts == nil {
			c.Parts = []ContentPart{}
		}
		return json.Unmarshal(data, &c.Parts)
	case 'n': // null
		*c = Content{}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}
