package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider over any OpenAI-compatible chat
// endpoint. It handles both streaming and single-shot completions,
// reconstructs tool calls from chunked deltas, and retries transient failures
// with exponential backoff.
//
// Safe for concurrent use; each Complete call creates an independent stream.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	logger       *slog.Logger
}

// OpenAIConfig configures the provider. Only APIKey is required.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// MaxRetries bounds attempts on transient failures; default 3.
	MaxRetries int

	// RetryDelay is the exponential backoff base; default 1s.
	RetryDelay time.Duration

	DefaultModel string
	Logger       *slog.Logger
}

// NewOpenAIProvider validates the config and builds a provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
		logger:       config.Logger,
	}, nil
}

func (p *OpenAIProvider) Name() string { return string(FamilyOpenAI) }

// Complete sends the request and returns a chunk channel. The channel closes
// after the Done chunk or the first error chunk.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	wire, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk, 16)
	go func() {
		defer close(chunks)
		if req.Stream {
			p.completeStreaming(ctx, wire, chunks)
		} else {
			p.completeOnce(ctx, wire, chunks)
		}
	}()
	return chunks, nil
}

// buildRequest converts the provider-neutral request to the wire format.
func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	wire := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	if req.Stream {
		wire.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.EnableThinking && req.ReasoningEffort != "" {
		wire.ReasoningEffort = string(req.ReasoningEffort)
	}
	if req.ToolChoice != "" {
		wire.ToolChoice = req.ToolChoice
	}

	for _, msg := range req.Messages {
		converted, err := convertOpenAIMessage(msg)
		if err != nil {
			return wire, fmt.Errorf("openai: failed to convert message: %w", err)
		}
		wire.Messages = append(wire.Messages, converted)
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return wire, nil
}

func convertOpenAIMessage(msg agent.ProviderMessage) (openai.ChatCompletionMessage, error) {
	out := openai.ChatCompletionMessage{Role: msg.Role}

	if msg.Content.IsStructured() {
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case "image_url":
				out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL},
				})
			default:
				if part.Text != "" {
					out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				}
			}
		}
	} else {
		out.Content = msg.Content.Text
	}

	if msg.Role == "tool" {
		out.ToolCallID = msg.ToolCallID
	}

	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.RawArguments()),
			},
		})
	}
	return out, nil
}

// completeOnce performs a non-streaming completion with retries.
func (p *OpenAIProvider) completeOnce(ctx context.Context, wire openai.ChatCompletionRequest, chunks chan<- *agent.CompletionChunk) {
	var resp openai.ChatCompletionResponse
	err := p.retry(ctx, func() error {
		var attemptErr error
		resp, attemptErr = p.client.CreateChatCompletion(ctx, wire)
		return attemptErr
	})
	if err != nil {
		chunks <- &agent.CompletionChunk{Err: fmt.Errorf("openai: completion failed: %w", err)}
		return
	}
	if len(resp.Choices) == 0 {
		chunks <- &agent.CompletionChunk{Err: errors.New("openai: response has no choices")}
		return
	}

	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		chunks <- &agent.CompletionChunk{Text: choice.Message.Content}
	}
	for _, tc := range choice.Message.ToolCalls {
		chunks <- &agent.CompletionChunk{ToolCall: decodeOpenAIToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)}
	}

	done := &agent.CompletionChunk{
		Done:             true,
		FinishReason:     mapOpenAIFinishReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if done.PromptTokens == 0 && done.CompletionTokens == 0 {
		done.PromptTokens = estimateWireTokens(wire)
		done.CompletionTokens = estimateStringTokens(choice.Message.Content)
		done.UsageEstimated = true
	}
	chunks <- done
}

// streamedToolCall accumulates one tool call across deltas, keyed by the
// delta's (id, index) pair.
type streamedToolCall struct {
	id   string
	name string
	args strings.Builder
}

// completeStreaming establishes an SSE stream (with retries on setup) and
// pumps reconstructed chunks to the caller.
func (p *OpenAIProvider) completeStreaming(ctx context.Context, wire openai.ChatCompletionRequest, chunks chan<- *agent.CompletionChunk) {
	var stream *openai.ChatCompletionStream
	err := p.retry(ctx, func() error {
		var attemptErr error
		stream, attemptErr = p.client.CreateChatCompletionStream(ctx, wire)
		return attemptErr
	})
	if err != nil {
		chunks <- &agent.CompletionChunk{Err: fmt.Errorf("openai: failed to open stream: %w", err)}
		return
	}
	defer stream.Close()

	pending := map[int]*streamedToolCall{}
	finishReason := agent.FinishStop
	var promptTokens, completionTokens int
	var sawUsage bool
	var textLen int

	flushToolCalls := func() {
		indices := make([]int, 0, len(pending))
		for idx := range pending {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			tc := pending[idx]
			chunks <- &agent.CompletionChunk{ToolCall: decodeOpenAIToolCall(tc.id, tc.name, tc.args.String())}
		}
		pending = map[int]*streamedToolCall{}
	}

	for {
		resp, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			chunks <- &agent.CompletionChunk{Err: fmt.Errorf("openai: stream error: %w", recvErr)}
			return
		}

		if resp.Usage != nil {
			promptTokens = resp.Usage.PromptTokens
			completionTokens = resp.Usage.CompletionTokens
			sawUsage = true
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			textLen += len(choice.Delta.Content)
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}
		for _, delta := range choice.Delta.ToolCalls {
			idx := 0
			if delta.Index != nil {
				idx = *delta.Index
			}
			tc, ok := pending[idx]
			if !ok {
				tc = &streamedToolCall{}
				pending[idx] = tc
			}
			if delta.ID != "" {
				tc.id = delta.ID
			}
			if delta.Function.Name != "" {
				tc.name = delta.Function.Name
			}
			tc.args.WriteString(delta.Function.Arguments)
		}
		if choice.FinishReason != "" {
			finishReason = mapOpenAIFinishReason(choice.FinishReason, len(pending) > 0)
		}
	}

	hadToolCalls := len(pending) > 0
	flushToolCalls()

	done := &agent.CompletionChunk{
		Done:             true,
		FinishReason:     finishReason,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
	if hadToolCalls && done.FinishReason == agent.FinishStop {
		done.FinishReason = agent.FinishToolCalls
	}
	if !sawUsage {
		done.PromptTokens = estimateWireTokens(wire)
		done.CompletionTokens = textLen / 4
		done.UsageEstimated = true
	}
	chunks <- done
}

// decodeOpenAIToolCall parses the arguments JSON; undecodable arguments are
// kept raw so the tool can report a useful failure.
func decodeOpenAIToolCall(id, name, args string) *models.ToolCall {
	parsed := map[string]any{}
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			parsed = map[string]any{"raw": args}
		}
	}
	return &models.ToolCall{
		ID:        id,
		Kind:      models.ToolCallNative,
		Name:      name,
		Arguments: parsed,
	}
}

func mapOpenAIFinishReason(reason openai.FinishReason, hasToolCalls bool) string {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return agent.FinishToolCalls
	case openai.FinishReasonLength:
		return agent.FinishLength
	case openai.FinishReasonStop, "":
		if hasToolCalls {
			return agent.FinishToolCalls
		}
		return agent.FinishStop
	default:
		return string(reason)
	}
}

// retry runs op with exponential backoff on transient failures. 4xx other
// than 408/429 surface immediately.
func (p *OpenAIProvider) retry(ctx context.Context, op func() error) error {
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
		if !isRetryableHTTPError(lastErr) {
			return lastErr
		}
		p.logger.Warn("openai request failed, retrying",
			"attempt", attempt+1, "max", p.maxRetries, "error", lastErr)
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableHTTPError reports whether an error is worth another attempt:
// 408/429/5xx, timeouts, and connection resets.
func isRetryableHTTPError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 408, apiErr.HTTPStatusCode == 429:
			return true
		case apiErr.HTTPStatusCode >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "deadline exceeded", "connection reset", "connection refused",
		"no such host", "rate limit", "too many requests",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// estimateWireTokens roughly estimates prompt tokens at four characters per
// token; used only when the endpoint omits usage.
func estimateWireTokens(wire openai.ChatCompletionRequest) int {
	total := 0
	for _, msg := range wire.Messages {
		total += len(msg.Content) / 4
		for _, part := range msg.MultiContent {
			total += len(part.Text) / 4
		}
		for _, tc := range msg.ToolCalls {
			total += len(tc.Function.Arguments) / 4
		}
		total += 4
	}
	return total
}

func estimateStringTokens(s string) int { return len(s) / 4 }
