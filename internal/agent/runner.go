package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/pkg/models"
)

// Terminating tools end the run when they execute successfully.
const (
	ToolAsk                = "ask"
	ToolComplete           = "complete"
	ToolWebBrowserTakeover = "web-browser-takeover"
)

// IsTerminatingTool reports whether a successful execution of the named tool
// ends the run.
func IsTerminatingTool(name string) bool {
	switch name {
	case ToolAsk, ToolComplete, ToolWebBrowserTakeover:
		return true
	default:
		return false
	}
}

// RunnerOptions configures one ThreadRunner invocation.
type RunnerOptions struct {
	SystemPrompt string
	Model        string
	Temperature  float32
	MaxTokens    int

	// Stream selects streaming LLM calls; assistant deltas are published as
	// they arrive.
	Stream bool

	// EnableContextManager turns on the summarization check at the top of the
	// iteration.
	EnableContextManager bool

	// NativeTools exports OpenAPI schemas on the LLM request.
	NativeTools bool

	// IncludeXMLExamples appends the registry's XML usage examples to the
	// system prompt.
	IncludeXMLExamples bool

	ToolStrategy           config.ToolExecutionStrategy
	NativeMaxAutoContinues int

	EnableThinking  bool
	ReasoningEffort models.ReasoningEffort
	Billing         *BillingContext
}

// IterationResult is what one ThreadRunner invocation reports back to the
// orchestrator.
type IterationResult struct {
	// Continue asks the orchestrator for another iteration: the model asked
	// for tools, no terminating tool ran, and the inner auto-continue budget
	// is spent.
	Continue bool

	// TerminatingTool names the tool that ended the run, if any.
	TerminatingTool string

	// FinishReason is the final finish reason of the iteration.
	FinishReason string

	// LastAssistant is the text of the last assistant message produced, for
	// the orchestrator's todo write-back scan.
	LastAssistant string
}

// ThreadRunner executes one iteration of the agent loop: compose prompt, call
// the LLM, parse and execute tool calls, persist every artifact, and emit
// status events. It may internally repeat up to the native auto-continue
// budget when the model only returned tool calls.
type ThreadRunner struct {
	store    store.Store
	provider LLMProvider
	registry *ToolRegistry
	parser   *ToolCallParser
	contextm *ContextManager
	logger   *slog.Logger
}

// NewThreadRunner wires a runner. contextm may be nil to disable
// summarization regardless of options.
func NewThreadRunner(st store.Store, provider LLMProvider, registry *ToolRegistry, parser *ToolCallParser, contextm *ContextManager, logger *slog.Logger) *ThreadRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadRunner{
		store:    st,
		provider: provider,
		registry: registry,
		parser:   parser,
		contextm: contextm,
		logger:   logger,
	}
}

// RunIteration performs one orchestrator-visible iteration. Errors from
// sub-components are caught, persisted as an error status frame, and
// re-raised only when fatal or cancelled; everything else ends the iteration
// with Continue=false.
func (r *ThreadRunner) RunIteration(ctx context.Context, emitter *Emitter, threadID string, temporary *models.Message, opts RunnerOptions) (*IterationResult, error) {
	result, err := r.iterate(ctx, emitter, threadID, temporary, opts)
	if err == nil {
		return result, nil
	}

	kind := Classify(err)
	if emitErr := emitter.EmitStatus(ctx, models.StatusError, err.Error(), map[string]any{
		"error_kind": kind.String(),
	}); emitErr != nil {
		r.logger.Error("failed to persist error frame", "thread_id", threadID, "error", emitErr)
	}
	switch kind {
	case KindFatal, KindCancelled, KindNotFound:
		return nil, err
	default:
		r.logger.Warn("iteration ended with recoverable error",
			"thread_id", threadID, "kind", kind.String(), "error", err)
		return &IterationResult{Continue: false, FinishReason: "error"}, nil
	}
}

func (r *ThreadRunner) iterate(ctx context.Context, emitter *Emitter, threadID string, temporary *models.Message, opts RunnerOptions) (*IterationResult, error) {
	if opts.EnableContextManager && r.contextm != nil {
		if _, err := r.contextm.CheckAndSummarize(ctx, threadID, opts.Model, false); err != nil {
			// Summarization failures never kill the iteration; the prompt is
			// just larger than intended.
			r.logger.Warn("context summarization failed", "thread_id", threadID, "error", err)
		}
	}

	if err := emitter.EmitStatus(ctx, models.StatusThreadRunStart, "", nil); err != nil {
		return nil, err
	}

	result := &IterationResult{FinishReason: FinishStop}
	maxContinues := opts.NativeMaxAutoContinues
	if maxContinues < 0 {
		maxContinues = 0
	}

	for attempt := 0; ; attempt++ {
		resp, err := r.completeOnce(ctx, emitter, threadID, temporary, opts)
		if err != nil {
			return nil, err
		}

		assistantMsg, err := r.persistAssistant(ctx, emitter, threadID, resp)
		if err != nil {
			return nil, err
		}

		parsed := r.parser.Parse(resp)
		finishReason := resp.FinishReason
		if parsed.XMLLimitReached {
			finishReason = FinishXMLToolLimit
		}

		terminating, err := r.executeTools(ctx, emitter, threadID, assistantMsg.ID, parsed.Calls, opts)
		if err != nil {
			return nil, err
		}

		result.FinishReason = finishReason
		result.TerminatingTool = terminating
		result.LastAssistant = resp.Content.String()

		// Tool results were persisted; the model should see them. XML calls
		// count even though their finish reason is "stop".
		wantsMore := len(parsed.Calls) > 0 && terminating == "" && !parsed.XMLLimitReached
		if !wantsMore {
			result.Continue = false
			break
		}
		if attempt >= maxContinues {
			result.Continue = true
			break
		}
		// Auto-continue: the next inner attempt sees the tool results that
		// were just persisted.
	}

	if err := emitter.EmitStatus(ctx, models.StatusThreadRunEnd, "", map[string]any{
		"finish_reason": result.FinishReason,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// completeOnce composes the prompt and performs one LLM call, publishing
// streamed deltas as assistant frames.
func (r *ThreadRunner) completeOnce(ctx context.Context, emitter *Emitter, threadID string, temporary *models.Message, opts RunnerOptions) (*Response, error) {
	history, err := r.store.ListLLMMessages(ctx, threadID)
	if err != nil {
		return nil, WrapErr(Classify(err), "runner.history", err)
	}

	prompt := r.composePrompt(history, temporary, opts)

	var tools []ToolSchema
	if opts.NativeTools {
		tools = r.registry.OpenAPISchemas()
	}

	if err := emitter.EmitStatus(ctx, models.StatusAssistantResponseStart, "", nil); err != nil {
		return nil, err
	}

	req := &CompletionRequest{
		Model:           opts.Model,
		Temperature:     opts.Temperature,
		MaxTokens:       opts.MaxTokens,
		Messages:        prompt,
		Tools:           tools,
		Stream:          opts.Stream,
		EnableThinking:  opts.EnableThinking,
		ReasoningEffort: opts.ReasoningEffort,
		Billing:         opts.Billing,
	}
	chunks, err := r.provider.Complete(ctx, req)
	if err != nil {
		return nil, WrapErr(Classify(err), "runner.complete", err)
	}

	if !opts.Stream {
		resp, err := Collect(ctx, chunks)
		if err != nil {
			return nil, WrapErr(Classify(err), "runner.complete", err)
		}
		return resp, nil
	}

	// Streaming: forward text deltas while assembling the full response.
	resp := &Response{FinishReason: FinishStop}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, WrapErr(Classify(chunk.Err), "runner.stream", chunk.Err)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			emitter.PublishFrame(ctx, models.EventFrame{
				Type:     models.EventAssistant,
				Role:     "assistant",
				Content:  models.TextContent(chunk.Text),
				Metadata: map[string]any{"streaming": true},
			})
		}
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
	if err := ctx.Err(); err != nil {
		return nil, WrapErr(KindCancelled, "runner.stream", err)
	}
	resp.Content = models.TextContent(text.String())
	return resp, nil
}

// composePrompt builds [system, ...history] and injects the temporary message
// immediately before the last user message, or appends it when there is none.
func (r *ThreadRunner) composePrompt(history []*models.Message, temporary *models.Message, opts RunnerOptions) []ProviderMessage {
	system := opts.SystemPrompt
	if opts.IncludeXMLExamples {
		if examples := r.registry.XMLExamples(); len(examples) > 0 {
			tags := make([]string, 0, len(examples))
			for tag := range examples {
				tags = append(tags, tag)
			}
			sort.Strings(tags)
			var b strings.Builder
			b.WriteString(system)
			b.WriteString("\n\nYou can invoke the following tools by emitting the XML shown:\n")
			for _, tag := range tags {
				b.WriteString("\n")
				b.WriteString(examples[tag])
				b.WriteString("\n")
			}
			system = b.String()
		}
	}

	prompt := make([]ProviderMessage, 0, len(history)+2)
	prompt = append(prompt, ProviderMessage{Role: "system", Content: models.TextContent(system)})
	prompt = append(prompt, ToProviderMessages(history)...)

	if temporary != nil {
		tempMsg := ProviderMessage{Role: "user", Content: temporary.Content}
		lastUser := -1
		for i := len(prompt) - 1; i >= 1; i-- {
			if prompt[i].Role == "user" {
				lastUser = i
				break
			}
		}
		if lastUser >= 0 {
			prompt = append(prompt[:lastUser], append([]ProviderMessage{tempMsg}, prompt[lastUser:]...)...)
		} else {
			prompt = append(prompt, tempMsg)
		}
	}
	return prompt
}

// persistAssistant writes the assistant message, carrying native tool calls
// in metadata, and publishes it as an assistant frame.
func (r *ThreadRunner) persistAssistant(ctx context.Context, emitter *Emitter, threadID string, resp *Response) (*models.Message, error) {
	metadata := map[string]any{}
	if len(resp.ToolCalls) > 0 {
		metadata["tool_calls"] = resp.ToolCalls
	}
	if resp.Model != "" {
		metadata["model"] = resp.Model
	}

	msg := &models.Message{
		Type:         models.MessageAssistant,
		IsLLMMessage: true,
		Content:      resp.Content,
		Metadata:     metadata,
	}
	saved, err := r.store.AppendMessage(ctx, threadID, msg)
	if err != nil {
		return nil, WrapErr(Classify(err), "runner.persist_assistant", err)
	}
	emitter.EmitMessage(ctx, saved, models.EventAssistant, "assistant")
	return saved, nil
}

// toolExecution pairs a call with its outcome for ordered emission.
type toolExecution struct {
	call   models.ToolCall
	result models.ToolResult
}

// executeTools runs every parsed call, persists a tool message per call, and
// emits tool_started / tool_completed / tool_failed frames. With the parallel
// strategy the executions are joined before return and events are emitted in
// tool-call index order. Returns the name of the terminating tool, if one
// ran.
func (r *ThreadRunner) executeTools(ctx context.Context, emitter *Emitter, threadID, assistantMessageID string, calls []models.ToolCall, opts RunnerOptions) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}

	executions := make([]toolExecution, len(calls))
	if opts.ToolStrategy == config.ToolsParallel {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call models.ToolCall) {
				defer wg.Done()
				executions[i] = toolExecution{call: call, result: r.registry.Invoke(ctx, call.Name, call.Arguments)}
			}(i, call)
		}
		wg.Wait()
		// Emission order follows the tool-call index, after the join.
		for i := range executions {
			if err := r.emitToolStart(ctx, emitter, executions[i].call); err != nil {
				return "", err
			}
			if err := r.recordToolResult(ctx, emitter, threadID, assistantMessageID, &executions[i]); err != nil {
				return "", err
			}
		}
	} else {
		for i, call := range calls {
			if err := ctx.Err(); err != nil {
				return "", WrapErr(KindCancelled, "runner.tools", err)
			}
			if err := r.emitToolStart(ctx, emitter, call); err != nil {
				return "", err
			}
			executions[i] = toolExecution{call: call, result: r.registry.Invoke(ctx, call.Name, call.Arguments)}
			if err := r.recordToolResult(ctx, emitter, threadID, assistantMessageID, &executions[i]); err != nil {
				return "", err
			}
		}
	}

	for _, exec := range executions {
		if exec.result.Success && IsTerminatingTool(exec.call.Name) {
			return exec.call.Name, nil
		}
	}
	return "", nil
}

func (r *ThreadRunner) emitToolStart(ctx context.Context, emitter *Emitter, call models.ToolCall) error {
	return emitter.EmitStatus(ctx, models.StatusToolStarted, "", map[string]any{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"xml_tag_name": call.XMLTag,
	})
}

// recordToolResult persists the tool message for one execution and emits the
// completion frame.
func (r *ThreadRunner) recordToolResult(ctx context.Context, emitter *Emitter, threadID, assistantMessageID string, exec *toolExecution) error {
	exec.result.ToolCallID = exec.call.ID
	exec.result.AssistantMessageID = assistantMessageID

	metadata := map[string]any{
		"tool_call_id":         exec.call.ID,
		"tool_name":            exec.call.Name,
		"assistant_message_id": assistantMessageID,
	}
	if exec.result.Success && IsTerminatingTool(exec.call.Name) {
		metadata["agent_should_terminate"] = true
	}
	for k, v := range exec.result.Metadata {
		metadata[k] = v
	}

	var content models.Content
	if exec.call.Kind == models.ToolCallXML {
		content = models.TextContent(fmt.Sprintf("<tool_result><%s>%s</%s></tool_result>",
			exec.call.XMLTag, exec.result.Output, exec.call.XMLTag))
	} else {
		content = models.TextContent(exec.result.Output)
	}

	msg := &models.Message{
		Type:         models.MessageTool,
		IsLLMMessage: true,
		Content:      content,
		Metadata:     metadata,
	}
	saved, err := r.store.AppendMessage(ctx, threadID, msg)
	if err != nil {
		return WrapErr(Classify(err), "runner.persist_tool", err)
	}
	emitter.EmitMessage(ctx, saved, models.EventToolMsg, "tool")

	statusType := models.StatusToolCompleted
	if !exec.result.Success {
		statusType = models.StatusToolFailed
	}
	return emitter.EmitStatus(ctx, statusType, exec.result.Output, map[string]any{
		"tool_call_id":           exec.call.ID,
		"tool_name":              exec.call.Name,
		"agent_should_terminate": metadata["agent_should_terminate"] == true,
	})
}
