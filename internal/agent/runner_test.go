package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/loomlabs/loom/internal/pubsub"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/pkg/models"
)

type runnerFixture struct {
	store    *store.MemoryStore
	bus      *pubsub.MemoryBus
	provider *fakeProvider
	registry *ToolRegistry
	runner   *ThreadRunner
	emitter  *Emitter
	threadID string
}

func newRunnerFixture(t *testing.T, provider *fakeProvider) *runnerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	bus := pubsub.NewMemoryBus()
	registry := NewToolRegistry(nil)
	parser := NewToolCallParser(registry, 25, nil)
	runner := NewThreadRunner(st, provider, registry, parser, nil, nil)

	thread, err := st.CreateThread(context.Background(), "", models.DemoAccountID)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := st.AppendMessage(context.Background(), thread.ID, &models.Message{
		Type:         models.MessageUser,
		IsLLMMessage: true,
		Content:      models.TextContent("do the thing"),
	}); err != nil {
		t.Fatalf("append user message: %v", err)
	}

	return &runnerFixture{
		store:    st,
		bus:      bus,
		provider: provider,
		registry: registry,
		runner:   runner,
		emitter:  NewEmitter(st, bus, "run-1", thread.ID, nil),
		threadID: thread.ID,
	}
}

// statusSequence extracts the status_type of every status message in order.
func (f *runnerFixture) statusSequence(t *testing.T) []string {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), f.threadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var out []string
	for _, m := range msgs {
		if m.Type != models.MessageStatus {
			continue
		}
		if st, ok := m.Metadata["status_type"].(string); ok {
			out = append(out, st)
		}
	}
	return out
}

func defaultOpts() RunnerOptions {
	return RunnerOptions{
		SystemPrompt:           "you are a test agent",
		Model:                  "gpt-4o",
		NativeTools:            true,
		NativeMaxAutoContinues: 3,
	}
}

func TestRunIterationSimpleAnswer(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textScript("hello there")}}
	f := newRunnerFixture(t, provider)

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, defaultOpts())
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	if result.Continue {
		t.Error("expected no continuation for a plain answer")
	}
	if result.FinishReason != FinishStop {
		t.Errorf("finish reason = %q, want %q", result.FinishReason, FinishStop)
	}
	if result.LastAssistant != "hello there" {
		t.Errorf("last assistant = %q", result.LastAssistant)
	}

	want := []string{
		models.StatusThreadRunStart,
		models.StatusAssistantResponseStart,
		models.StatusThreadRunEnd,
	}
	got := f.statusSequence(t)
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	msgs, _ := f.store.ListLLMMessages(context.Background(), f.threadID)
	last := msgs[len(msgs)-1]
	if last.Type != models.MessageAssistant || last.Content.String() != "hello there" {
		t.Errorf("assistant message not persisted: %+v", last)
	}
}

func TestRunIterationNativeAutoContinue(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript(models.ToolCall{ID: "call_1", Name: "search", Arguments: map[string]any{"q": "weather"}}),
		textScript("it is sunny"),
	}}
	f := newRunnerFixture(t, provider)
	f.registry.MustRegister(ToolDefinition{
		Name:        "search",
		Description: "look something up",
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			return models.SuccessResult("sunny, 22C")
		},
	})

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, defaultOpts())
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	if result.Continue {
		t.Error("expected iteration to settle after auto-continue")
	}
	if provider.requestCount() != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", provider.requestCount())
	}

	// The second call must see the persisted tool result.
	second := provider.request(1)
	foundTool := false
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content.String(), "sunny, 22C") {
			foundTool = true
			if m.ToolCallID != "call_1" {
				t.Errorf("tool message call id = %q", m.ToolCallID)
			}
		}
	}
	if !foundTool {
		t.Error("second request does not include the tool result")
	}

	statuses := f.statusSequence(t)
	joined := strings.Join(statuses, ",")
	if !strings.Contains(joined, models.StatusToolStarted) || !strings.Contains(joined, models.StatusToolCompleted) {
		t.Errorf("missing tool status frames: %v", statuses)
	}
	if strings.Count(joined, models.StatusThreadRunStart) != 1 || strings.Count(joined, models.StatusThreadRunEnd) != 1 {
		t.Errorf("thread run frames should appear once per iteration: %v", statuses)
	}
	if strings.Count(joined, models.StatusAssistantResponseStart) != 2 {
		t.Errorf("each inner attempt should emit assistant_response_start: %v", statuses)
	}
}

func TestRunIterationAutoContinueBudget(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*CompletionChunk{
			toolScript(models.ToolCall{ID: "call_1", Name: "poke", Arguments: map[string]any{}}),
		},
		repeatLast: true,
	}
	f := newRunnerFixture(t, provider)
	f.registry.MustRegister(ToolDefinition{
		Name:        "poke",
		Description: "does nothing useful",
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			return models.SuccessResult("ok")
		},
	})

	opts := defaultOpts()
	opts.NativeMaxAutoContinues = 1

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, opts)
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	if !result.Continue {
		t.Error("expected Continue after the auto-continue budget is spent")
	}
	if provider.requestCount() != 2 {
		t.Errorf("expected 2 LLM calls (budget 1), got %d", provider.requestCount())
	}
}

func TestRunIterationTerminatingTool(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript(models.ToolCall{ID: "call_1", Name: ToolComplete, Arguments: map[string]any{"text": "done"}}),
	}}
	f := newRunnerFixture(t, provider)
	f.registry.MustRegister(ToolDefinition{
		Name:        ToolComplete,
		Description: "finish the run",
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			text, _ := args["text"].(string)
			return models.SuccessResult(text)
		},
	})

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, defaultOpts())
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	if result.TerminatingTool != ToolComplete {
		t.Errorf("terminating tool = %q, want %q", result.TerminatingTool, ToolComplete)
	}
	if result.Continue {
		t.Error("terminating tool must not request continuation")
	}
	if provider.requestCount() != 1 {
		t.Errorf("terminating tool must not auto-continue, got %d calls", provider.requestCount())
	}

	msgs, _ := f.store.ListLLMMessages(context.Background(), f.threadID)
	var toolMsg *models.Message
	for _, m := range msgs {
		if m.Type == models.MessageTool {
			toolMsg = m
		}
	}
	if toolMsg == nil {
		t.Fatal("tool message not persisted")
	}
	if toolMsg.Metadata["agent_should_terminate"] != true {
		t.Error("tool message missing agent_should_terminate")
	}
}

func TestRunIterationXMLLimitStopsContinuation(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		{
			{Text: "<note>one</note><note>two</note>"},
			{Done: true, FinishReason: FinishStop},
		},
	}}
	f := newRunnerFixture(t, provider)
	f.registry.MustRegister(ToolDefinition{
		Name:        "note",
		Description: "record a note",
		XML: &XMLBinding{
			TagName: "note",
			Fields:  []XMLField{{Name: "text", Source: SourceContent, ValueType: TypeString}},
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			return models.SuccessResult("noted")
		},
	})
	f.runner.parser = NewToolCallParser(f.registry, 1, nil)

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, defaultOpts())
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	if result.FinishReason != FinishXMLToolLimit {
		t.Errorf("finish reason = %q, want %q", result.FinishReason, FinishXMLToolLimit)
	}
	if result.Continue {
		t.Error("xml limit must suppress continuation")
	}
	if provider.requestCount() != 1 {
		t.Errorf("xml limit must suppress auto-continue, got %d calls", provider.requestCount())
	}

	// The executed XML call's result is wrapped for the model.
	msgs, _ := f.store.ListLLMMessages(context.Background(), f.threadID)
	found := false
	for _, m := range msgs {
		if m.Type == models.MessageTool &&
			strings.Contains(m.Content.String(), "<tool_result><note>noted</note></tool_result>") {
			found = true
		}
	}
	if !found {
		t.Error("xml tool result not wrapped in <tool_result>")
	}
}

func TestRunIterationXMLCallsAutoContinue(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		{
			{Text: "working on it <note>first</note>"},
			{Done: true, FinishReason: FinishStop},
		},
		textScript("all done"),
	}}
	f := newRunnerFixture(t, provider)
	f.registry.MustRegister(ToolDefinition{
		Name:        "note",
		Description: "record a note",
		XML: &XMLBinding{
			TagName: "note",
			Fields:  []XMLField{{Name: "text", Source: SourceContent, ValueType: TypeString}},
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			return models.SuccessResult("noted")
		},
	})

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, defaultOpts())
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	// XML calls below the cap behave like native ones despite finishing "stop".
	if provider.requestCount() != 2 {
		t.Errorf("expected auto-continue after xml call, got %d calls", provider.requestCount())
	}
	if result.Continue {
		t.Error("expected iteration to settle after the follow-up answer")
	}
}

func TestRunIterationFailingToolStillContinues(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript(models.ToolCall{ID: "call_1", Name: "flaky", Arguments: map[string]any{}}),
		textScript("recovered"),
	}}
	f := newRunnerFixture(t, provider)
	f.registry.MustRegister(ToolDefinition{
		Name:        "flaky",
		Description: "always fails",
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			return models.ErrorResult("disk on fire")
		},
	})

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, defaultOpts())
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	if result.Continue {
		t.Error("expected settled iteration")
	}

	statuses := f.statusSequence(t)
	found := false
	for _, s := range statuses {
		if s == models.StatusToolFailed {
			found = true
		}
	}
	if !found {
		t.Errorf("missing tool_failed status: %v", statuses)
	}
	if provider.requestCount() != 2 {
		t.Errorf("failed tool should still hand the result back, got %d calls", provider.requestCount())
	}
}

func TestRunIterationRecoverableError(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		{{Err: Errf(KindTransient, "fake", "rate limited")}},
	}}
	f := newRunnerFixture(t, provider)

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, defaultOpts())
	if err != nil {
		t.Fatalf("transient errors should be absorbed, got %v", err)
	}
	if result.Continue || result.FinishReason != "error" {
		t.Errorf("unexpected result: %+v", result)
	}

	statuses := f.statusSequence(t)
	found := false
	for _, s := range statuses {
		if s == models.StatusError {
			found = true
		}
	}
	if !found {
		t.Errorf("missing error status frame: %v", statuses)
	}
}

func TestRunIterationStreamingPublishesDeltas(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		{
			{Text: "hel"},
			{Text: "lo"},
			{Done: true, FinishReason: FinishStop},
		},
	}}
	f := newRunnerFixture(t, provider)

	opts := defaultOpts()
	opts.Stream = true

	result, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, nil, opts)
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	if result.LastAssistant != "hello" {
		t.Errorf("assembled text = %q", result.LastAssistant)
	}

	frames, err := f.bus.Replay(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	deltas := 0
	for _, raw := range frames {
		frame, err := models.DecodeEventFrame(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type == models.EventAssistant && frame.Metadata["streaming"] == true {
			deltas++
		}
	}
	if deltas != 2 {
		t.Errorf("expected 2 streamed deltas, got %d", deltas)
	}
}

func TestComposePromptInsertsTemporaryBeforeLastUser(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textScript("ok")}}
	f := newRunnerFixture(t, provider)

	temporary := &models.Message{
		Type:    models.MessageUser,
		Content: models.TextContent("Current contents of todo.md:\n\n- [ ] step one"),
	}
	if _, err := f.runner.RunIteration(context.Background(), f.emitter, f.threadID, temporary, defaultOpts()); err != nil {
		t.Fatalf("RunIteration: %v", err)
	}

	req := f.provider.request(0)
	todoIdx, userIdx := -1, -1
	for i, m := range req.Messages {
		if strings.HasPrefix(m.Content.String(), "Current contents of todo.md") {
			todoIdx = i
		} else if m.Role == "user" {
			userIdx = i
		}
	}
	if todoIdx < 0 || userIdx < 0 {
		t.Fatalf("prompt missing expected messages: todo=%d user=%d", todoIdx, userIdx)
	}
	if todoIdx != userIdx-1 {
		t.Errorf("temporary message at %d, expected immediately before last user at %d", todoIdx, userIdx)
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("prompt must start with the system message, got %q", req.Messages[0].Role)
	}
}
