package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements agent.LLMProvider for the Anthropic Messages
// API. Responses always arrive over SSE when streaming is requested; the
// provider reconstructs tool calls from chunked input deltas before emitting
// them.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	logger       *slog.Logger
}

// AnthropicConfig configures the provider. Only APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	Logger       *slog.Logger
}

// NewAnthropicProvider validates the config and builds a provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
		logger:       config.Logger,
	}, nil
}

func (p *AnthropicProvider) Name() string { return string(FamilyAnthropic) }

// Complete sends the request and returns a chunk channel.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk, 16)
	go func() {
		defer close(chunks)
		if req.Stream {
			p.completeStreaming(ctx, params, chunks)
		} else {
			p.completeOnce(ctx, params, chunks)
		}
	}()
	return chunks, nil
}

// buildParams converts the provider-neutral request to Messages API
// parameters. The system prompt travels in params.System; user, assistant,
// and tool turns become content-block messages.
func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if req.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			params.System = append(params.System, anthropic.TextBlockParam{
				Type: "text",
				Text: msg.Content.String(),
			})
			continue
		}
		converted, err := convertAnthropicMessage(msg)
		if err != nil {
			return params, fmt.Errorf("anthropic: failed to convert message: %w", err)
		}
		params.Messages = append(params.Messages, converted)
	}

	for _, tool := range req.Tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return params, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return params, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return params, fmt.Errorf("anthropic: invalid schema for tool %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

func convertAnthropicMessage(msg agent.ProviderMessage) (anthropic.MessageParam, error) {
	var content []anthropic.ContentBlockParamUnion

	if msg.Role == "tool" {
		// Tool results travel as user turns in the Messages API.
		content = append(content, anthropic.NewToolResultBlock(
			msg.ToolCallID, msg.Content.String(), false))
		return anthropic.NewUserMessage(content...), nil
	}

	if msg.Content.IsStructured() {
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case "image_url":
				content = append(content, anthropic.ContentBlockParamUnion{
					OfImage: &anthropic.ImageBlockParam{
						Source: anthropic.ImageBlockParamSourceUnion{
							OfURL: &anthropic.URLImageSourceParam{URL: part.ImageURL},
						},
					},
				})
			default:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			}
		}
	} else if msg.Content.Text != "" {
		content = append(content, anthropic.NewTextBlock(msg.Content.Text))
	}

	for _, tc := range msg.ToolCalls {
		input := tc.Arguments
		if input == nil {
			input = map[string]any{}
		}
		content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}

	if len(content) == 0 {
		content = append(content, anthropic.NewTextBlock(""))
	}
	if msg.Role == "assistant" {
		return anthropic.NewAssistantMessage(content...), nil
	}
	return anthropic.NewUserMessage(content...), nil
}

// completeOnce performs a single-shot completion with retries.
func (p *AnthropicProvider) completeOnce(ctx context.Context, params anthropic.MessageNewParams, chunks chan<- *agent.CompletionChunk) {
	var message *anthropic.Message
	err := p.retry(ctx, func() error {
		var attemptErr error
		message, attemptErr = p.client.Messages.New(ctx, params)
		return attemptErr
	})
	if err != nil {
		chunks <- &agent.CompletionChunk{Err: fmt.Errorf("anthropic: completion failed: %w", err)}
		return
	}

	hasToolUse := false
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if variant.Text != "" {
				chunks <- &agent.CompletionChunk{Text: variant.Text}
			}
		case anthropic.ToolUseBlock:
			hasToolUse = true
			chunks <- &agent.CompletionChunk{ToolCall: decodeAnthropicToolCall(variant.ID, variant.Name, variant.Input)}
		}
	}

	chunks <- &agent.CompletionChunk{
		Done:             true,
		FinishReason:     mapAnthropicStopReason(string(message.StopReason), hasToolUse),
		PromptTokens:     int(message.Usage.InputTokens),
		CompletionTokens: int(message.Usage.OutputTokens),
	}
}

// completeStreaming consumes the SSE event stream, accumulating tool-use
// input deltas until each block closes.
func (p *AnthropicProvider) completeStreaming(ctx context.Context, params anthropic.MessageNewParams, chunks chan<- *agent.CompletionChunk) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	for attempt := 0; stream.Err() != nil && attempt < p.maxRetries-1; attempt++ {
		if !isRetryableHTTPError(stream.Err()) {
			break
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Err: ctx.Err()}
			return
		case <-time.After(backoff):
		}
		stream = p.client.Messages.NewStreaming(ctx, params)
	}

	var currentTool *models.ToolCall
	var currentInput strings.Builder
	hasToolUse := false
	stopReason := ""
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				hasToolUse = true
				chunks <- &agent.CompletionChunk{
					ToolCall: decodeAnthropicToolCall(currentTool.ID, currentTool.Name, json.RawMessage(currentInput.String())),
				}
				currentTool = nil
			}
		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}
		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:             true,
				FinishReason:     mapAnthropicStopReason(stopReason, hasToolUse),
				PromptTokens:     inputTokens,
				CompletionTokens: outputTokens,
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Err: fmt.Errorf("anthropic: stream error: %w", err)}
		return
	}
	// Stream ended without message_stop; report what we have.
	chunks <- &agent.CompletionChunk{
		Done:             true,
		FinishReason:     mapAnthropicStopReason(stopReason, hasToolUse),
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
	}
}

func decodeAnthropicToolCall(id, name string, input json.RawMessage) *models.ToolCall {
	args := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			args = map[string]any{"raw": string(input)}
		}
	}
	return &models.ToolCall{
		ID:        id,
		Kind:      models.ToolCallNative,
		Name:      name,
		Arguments: args,
	}
}

func mapAnthropicStopReason(reason string, hasToolUse bool) string {
	switch reason {
	case "tool_use":
		return agent.FinishToolCalls
	case "max_tokens":
		return agent.FinishLength
	default:
		if hasToolUse {
			return agent.FinishToolCalls
		}
		return agent.FinishStop
	}
}

// retry runs op with exponential backoff on transient failures.
func (p *AnthropicProvider) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isAnthropicRetryable(lastErr) {
			return lastErr
		}
		p.logger.Warn("anthropic request failed, retrying",
			"attempt", attempt+1, "max", p.maxRetries, "error", lastErr)
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isAnthropicRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 408, apiErr.StatusCode == 429:
			return true
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return isRetryableHTTPError(err)
}
