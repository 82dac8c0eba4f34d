package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/loomlabs/loom/pkg/models"
)

// Finish reasons reported by providers and by the XML parser.
const (
	FinishStop         = "stop"
	FinishToolCalls    = "tool_calls"
	FinishLength       = "length"
	FinishXMLToolLimit = "xml_tool_limit_reached"
)

// LLMProvider is the interface for LLM backends. Implementations handle one
// provider family's wire protocol and present a unified streaming interface.
//
// Implementations must be safe for concurrent use; each Complete call creates
// an independent stream.
type LLMProvider interface {
	// Name returns the provider family name.
	Name() string

	// Complete sends a prepared request and returns a channel of response
	// chunks. The channel is closed after a chunk with Done or Err set. For
	// non-streaming requests the whole response arrives as a short burst of
	// chunks.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// BillingContext identifies who pays for a completion. Providers report usage
// to the billing collaborator exactly once per successful completion.
type BillingContext struct {
	UserID    string
	RunID     string
	StartedAt time.Time
}

// CompletionRequest contains all parameters for one LLM completion.
type CompletionRequest struct {
	Model       string
	Temperature float32
	MaxTokens   int

	// Messages is the full prompt in chronological order, system prompt
	// first.
	Messages []ProviderMessage

	// Tools are the native tool schemas offered to the model; empty disables
	// native tool calling.
	Tools []ToolSchema

	// ToolChoice forces or forbids tool use where the provider supports it
	// ("auto", "none", "required").
	ToolChoice string

	// Stream selects server-sent-event streaming over a single response.
	Stream bool

	EnableThinking  bool
	ReasoningEffort models.ReasoningEffort

	// Billing, when set, routes usage accounting for this request.
	Billing *BillingContext
}

// ProviderMessage is the provider-neutral prompt message. Adapters convert it
// to each family's wire format; that conversion is the single place where
// per-provider quirks live.
type ProviderMessage struct {
	// Role is one of system, user, assistant, tool.
	Role string

	// Content is plain text or ordered multi-modal parts.
	Content models.Content

	// ToolCalls carries the native calls an assistant message emitted.
	ToolCalls []models.ToolCall

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// CompletionChunk is one element of a streaming response. Providers
// reconstruct chunked tool-call deltas internally and emit each tool call as
// a complete object before the Done chunk.
type CompletionChunk struct {
	// Text is a partial content delta.
	Text string

	// ToolCall is a fully reconstructed native tool call.
	ToolCall *models.ToolCall

	// Done marks the final chunk; FinishReason and usage are only meaningful
	// here.
	Done             bool
	FinishReason     string
	PromptTokens     int
	CompletionTokens int

	// UsageEstimated is set when the provider omitted usage and the tokens
	// above are heuristic estimates.
	UsageEstimated bool

	// Err terminates the stream; no further chunks follow.
	Err error
}

// Response is a fully assembled completion.
type Response struct {
	ID               string
	Model            string
	Content          models.Content
	ToolCalls        []models.ToolCall
	PromptTokens     int
	CompletionTokens int
	UsageEstimated   bool
	FinishReason     string
}

// Collect drains a chunk stream into a Response. It returns the first stream
// error encountered, or ctx.Err if the caller gives up first.
func Collect(ctx context.Context, chunks <-chan *CompletionChunk) (*Response, error) {
	resp := &Response{FinishReason: FinishStop}
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				resp.Content = models.TextContent(text.String())
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			text.WriteString(chunk.Text)
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				if chunk.FinishReason != "" {
					resp.FinishReason = chunk.FinishReason
				}
				resp.PromptTokens = chunk.PromptTokens
				resp.CompletionTokens = chunk.CompletionTokens
				resp.UsageEstimated = chunk.UsageEstimated
			}
		}
	}
}

// promptRoleFor maps a stored message type to the provider-neutral role.
// Summary messages travel as user turns so every provider accepts them.
func promptRoleFor(t models.MessageType) string {
	switch t {
	case models.MessageAssistant:
		return "assistant"
	case models.MessageTool:
		return "tool"
	case models.MessageSystem:
		return "system"
	default:
		return "user"
	}
}

// ToProviderMessages converts stored LLM history into prompt messages.
func ToProviderMessages(msgs []*models.Message) []ProviderMessage {
	out := make([]ProviderMessage, 0, len(msgs))
	for _, m := range msgs {
		pm := ProviderMessage{
			Role:    promptRoleFor(m.Type),
			Content: m.Content,
		}
		if id, ok := m.Metadata["tool_call_id"].(string); ok {
			pm.ToolCallID = id
		}
		pm.ToolCalls = decodeToolCallsMeta(m.Metadata["tool_calls"])
		out = append(out, pm)
	}
	return out
}

// decodeToolCallsMeta recovers native tool calls from message metadata. After
// a store round trip the value arrives as generic JSON, so both the typed and
// the decoded-JSON shapes are accepted.
func decodeToolCallsMeta(v any) []models.ToolCall {
	switch calls := v.(type) {
	case nil:
		return nil
	case []models.ToolCall:
		return calls
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var out []models.ToolCall
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil
		}
		return out
	}
}
