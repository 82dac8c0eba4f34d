package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/pkg/models"
)

// Token estimation overheads. The estimate is a deterministic heuristic, not
// a tokenizer: words and punctuation are counted and fixed costs are added
// for message framing, tool-call structures, and images.
const (
	tokenOverheadPerMessage  = 4
	tokenOverheadPerToolCall = 12
	tokenCostPerImage        = 850
)

// EstimateTokens estimates the prompt footprint of a message sequence.
func EstimateTokens(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// EstimateMessageTokens estimates one message.
func EstimateMessageTokens(m *models.Message) int {
	tokens := tokenOverheadPerMessage
	if m.Content.IsStructured() {
		for _, part := range m.Content.Parts {
			switch part.Type {
			case "image_url":
				tokens += tokenCostPerImage
			case "tool_call", "tool_result":
				tokens += tokenOverheadPerToolCall
				if part.ToolCall != nil {
					tokens += estimateText(string(part.ToolCall.RawArguments()))
				}
				if part.ToolResult != nil {
					tokens += estimateText(part.ToolResult.Output)
				}
			default:
				tokens += estimateText(part.Text)
			}
		}
	} else {
		tokens += estimateText(m.Content.Text)
	}
	if calls := decodeToolCallsMeta(m.Metadata["tool_calls"]); len(calls) > 0 {
		for _, tc := range calls {
			tokens += tokenOverheadPerToolCall + estimateText(string(tc.RawArguments()))
		}
	}
	return tokens
}

// estimateText counts words plus punctuation runs. English prose averages
// roughly 1.3 tokens per word; the +1/3 word correction keeps the estimate
// within the accepted band on mixed text.
func estimateText(s string) int {
	if s == "" {
		return 0
	}
	words := 0
	punct := 0
	inWord := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			inWord = false
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			punct++
			inWord = false
		default:
			if !inWord {
				words++
				inWord = true
			}
		}
	}
	return words + words/3 + punct
}

const summarySystemPrompt = `You are a conversation summarizer. Produce a factual, chronological summary of the conversation so far. Preserve: user goals and constraints, decisions made, tool calls and their results, file paths, code snippets that were produced, and any unresolved questions. Do not invent information. Do not editorialize. Write the summary as plain prose in chronological order.`

const summaryHeader = "SUMMARY OF CONVERSATION HISTORY:\n\n"

// ContextManager keeps a thread's token footprint below the configured
// threshold by replacing older history with a single generated summary
// message.
type ContextManager struct {
	store    store.Store
	provider LLMProvider

	threshold     int
	summaryTarget int
	reserve       int

	logger *slog.Logger
}

// ContextManagerOptions configures a ContextManager. Zero values fall back to
// the documented defaults.
type ContextManagerOptions struct {
	Threshold     int
	SummaryTarget int
	Reserve       int
	Logger        *slog.Logger
}

// NewContextManager builds a manager over a store and provider.
func NewContextManager(st store.Store, provider LLMProvider, opts ContextManagerOptions) *ContextManager {
	if opts.Threshold <= 0 {
		opts.Threshold = 120000
	}
	if opts.SummaryTarget <= 0 {
		opts.SummaryTarget = 10000
	}
	if opts.Reserve <= 0 {
		opts.Reserve = 5000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ContextManager{
		store:         st,
		provider:      provider,
		threshold:     opts.Threshold,
		summaryTarget: opts.SummaryTarget,
		reserve:       opts.Reserve,
		logger:        opts.Logger,
	}
}

// CheckAndSummarize summarizes the thread's recent history when its estimated
// token footprint reaches the threshold (or unconditionally with force). It
// returns true when a summary message was appended. Below the threshold the
// call is read-only and idempotent.
func (cm *ContextManager) CheckAndSummarize(ctx context.Context, threadID, model string, force bool) (bool, error) {
	msgs, err := cm.store.ListLLMMessages(ctx, threadID)
	if err != nil {
		return false, WrapErr(Classify(err), "context.list", err)
	}

	tokens := EstimateTokens(msgs)
	if tokens < cm.threshold && !force {
		return false, nil
	}
	if len(msgs) < 3 {
		cm.logger.Debug("too few messages to summarize",
			"thread_id", threadID, "messages", len(msgs))
		return false, nil
	}

	cm.logger.Info("summarizing thread history",
		"thread_id", threadID, "estimated_tokens", tokens, "messages", len(msgs))

	req := &CompletionRequest{
		Model:       model,
		Temperature: 0,
		MaxTokens:   cm.summaryTarget,
		Messages: []ProviderMessage{
			{Role: "system", Content: models.TextContent(summarySystemPrompt)},
			{Role: "user", Content: models.TextContent(renderTranscript(msgs))},
		},
	}
	chunks, err := cm.provider.Complete(ctx, req)
	if err != nil {
		return false, WrapErr(Classify(err), "context.summarize", err)
	}
	resp, err := Collect(ctx, chunks)
	if err != nil {
		return false, WrapErr(Classify(err), "context.summarize", err)
	}
	summary := strings.TrimSpace(resp.Content.String())
	if summary == "" {
		return false, Errf(KindTransient, "context.summarize", "model returned an empty summary")
	}

	msg := &models.Message{
		Type:         models.MessageSummary,
		IsLLMMessage: true,
		Content:      models.TextContent(summaryHeader + summary),
		Metadata:     map[string]any{"token_count": tokens},
	}
	if _, err := cm.store.AppendMessage(ctx, threadID, msg); err != nil {
		return false, WrapErr(Classify(err), "context.append", err)
	}
	return true, nil
}

// renderTranscript flattens messages into the summarization prompt.
func renderTranscript(msgs []*models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Type, m.Content.String())
	}
	return b.String()
}
