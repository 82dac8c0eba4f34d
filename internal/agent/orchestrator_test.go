package agent

import (
	"context"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/pubsub"
	"github.com/loomlabs/loom/internal/sandbox"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/pkg/models"
)

type orchFixture struct {
	store        *store.MemoryStore
	bus          *pubsub.MemoryBus
	sandbox      *sandbox.Fake
	provider     *fakeProvider
	registry     *ToolRegistry
	orchestrator *Orchestrator
	sub          *models.RunSubmission
}

func newOrchFixture(t *testing.T, provider *fakeProvider, cfg *config.Config) *orchFixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.AddProject("proj-1")
	bus := pubsub.NewMemoryBus()
	sb := sandbox.NewFake()

	registry := NewToolRegistry(nil)
	registry.MustRegister(ToolDefinition{
		Name:        ToolComplete,
		Description: "finish",
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			text, _ := args["text"].(string)
			return models.SuccessResult(text)
		},
	})
	registry.MustRegister(ToolDefinition{
		Name:        ToolAsk,
		Description: "ask the user",
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			text, _ := args["text"].(string)
			return models.SuccessResult(text)
		},
	})
	registry.MustRegister(ToolDefinition{
		Name:        "poke",
		Description: "no-op",
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			return models.SuccessResult("ok")
		},
	})

	if cfg == nil {
		cfg = config.Default()
	}
	parser := NewToolCallParser(registry, cfg.MaxXMLToolCalls, nil)
	runner := NewThreadRunner(st, provider, registry, parser, nil, nil)
	orch := NewOrchestrator(st, bus, runner, NewRunRegistry(), OrchestratorOptions{
		SystemPrompt: "test agent",
		InstanceID:   "worker-1",
		Config:       cfg,
		Sandbox:      sb,
	})

	thread, err := st.CreateThread(ctx, "proj-1", models.DemoAccountID)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := st.AppendMessage(ctx, thread.ID, &models.Message{
		Type:         models.MessageUser,
		IsLLMMessage: true,
		Content:      models.TextContent("start the task"),
	}); err != nil {
		t.Fatalf("append message: %v", err)
	}
	run := &models.AgentRun{ID: "run-1", ThreadID: thread.ID, Status: models.RunPending}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	return &orchFixture{
		store:        st,
		bus:          bus,
		sandbox:      sb,
		provider:     provider,
		registry:     registry,
		orchestrator: orch,
		sub: &models.RunSubmission{
			AgentRunID: run.ID,
			ThreadID:   thread.ID,
			ProjectID:  "proj-1",
			ModelName:  "gpt-4o",
			UserID:     "user-1",
		},
	}
}

func (f *orchFixture) runStatus(t *testing.T) *models.AgentRun {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), f.sub.AgentRunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func TestExecuteRunCompleteTool(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript(models.ToolCall{ID: "c1", Name: ToolComplete, Arguments: map[string]any{"text": "all done"}}),
	}}
	f := newOrchFixture(t, provider, nil)

	if err := f.orchestrator.ExecuteRun(context.Background(), f.sub); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	run := f.runStatus(t)
	if run.Status != models.RunCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if run.Error != "" {
		t.Errorf("unexpected error text %q", run.Error)
	}

	// The final frame on the event channel reports the terminal status.
	frames, err := f.bus.Replay(context.Background(), f.sub.AgentRunID, 0)
	if err != nil || len(frames) == 0 {
		t.Fatalf("replay: %v (%d frames)", err, len(frames))
	}
	last, err := models.DecodeEventFrame(frames[len(frames)-1])
	if err != nil {
		t.Fatalf("decode final frame: %v", err)
	}
	if last.StatusType != models.StatusRunTerminal || last.Metadata["status"] != string(models.RunCompleted) {
		t.Errorf("unexpected final frame: %+v", last)
	}
}

func TestExecuteRunAskStopsAwaitingInput(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript(models.ToolCall{ID: "c1", Name: ToolAsk, Arguments: map[string]any{"text": "which color?"}}),
	}}
	f := newOrchFixture(t, provider, nil)

	if err := f.orchestrator.ExecuteRun(context.Background(), f.sub); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	run := f.runStatus(t)
	if run.Status != models.RunStopped {
		t.Errorf("status = %s, want stopped", run.Status)
	}
	if run.Error != "awaiting user input" {
		t.Errorf("error text = %q, want %q", run.Error, "awaiting user input")
	}
}

func TestExecuteRunLeaseHeldElsewhere(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textScript("never called")}}
	f := newOrchFixture(t, provider, nil)

	acquired, err := f.bus.AcquireLease(context.Background(), f.sub.AgentRunID, "other-worker", time.Hour)
	if err != nil || !acquired {
		t.Fatalf("pre-acquire lease: %v", err)
	}

	if err := f.orchestrator.ExecuteRun(context.Background(), f.sub); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if run := f.runStatus(t); run.Status != models.RunPending {
		t.Errorf("run touched despite foreign lease: %s", run.Status)
	}
	if f.provider.requestCount() != 0 {
		t.Error("LLM called despite foreign lease")
	}
}

func TestExecuteRunMaxIterations(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*CompletionChunk{
			toolScript(models.ToolCall{ID: "c1", Name: "poke", Arguments: map[string]any{}}),
		},
		repeatLast: true,
	}
	cfg := config.Default()
	cfg.MaxIterations = 2
	cfg.NativeMaxAutoContinues = 0
	f := newOrchFixture(t, provider, cfg)

	if err := f.orchestrator.ExecuteRun(context.Background(), f.sub); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	run := f.runStatus(t)
	if run.Status != models.RunCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if run.Error != "reached maximum iterations" {
		t.Errorf("error text = %q, want %q", run.Error, "reached maximum iterations")
	}
}

func TestExecuteRunStopSignal(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*CompletionChunk{
			toolScript(models.ToolCall{ID: "c1", Name: "poke", Arguments: map[string]any{}}),
		},
		repeatLast: true,
		delay:      5 * time.Millisecond,
	}
	cfg := config.Default()
	cfg.MaxIterations = 10000
	cfg.NativeMaxAutoContinues = 0
	f := newOrchFixture(t, provider, cfg)

	done := make(chan error, 1)
	go func() {
		done <- f.orchestrator.ExecuteRun(context.Background(), f.sub)
	}()

	deadline := time.After(5 * time.Second)
	for f.orchestrator.Registry().Active() == 0 {
		select {
		case <-deadline:
			t.Fatal("run never became active")
		case <-time.After(time.Millisecond):
		}
	}
	if !f.orchestrator.Registry().Stop(f.sub.AgentRunID) {
		t.Fatal("run not found in registry")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ExecuteRun: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}

	if run := f.runStatus(t); run.Status != models.RunStopped {
		t.Errorf("status = %s, want stopped", run.Status)
	}
}

func TestExecuteRunTodoRoundTrip(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		textScript("Plan updated.\n<todo_update>- [x] read files\n- [ ] write summary</todo_update>"),
	}}
	f := newOrchFixture(t, provider, nil)
	f.sandbox.Seed("proj-1", "todo.md", []byte("- [ ] read files\n"))

	if err := f.orchestrator.ExecuteRun(context.Background(), f.sub); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	req := f.provider.request(0)
	injected := false
	for _, m := range req.Messages {
		if m.Role == "user" && len(m.Content.String()) > 0 &&
			m.Content.String() == "Current contents of todo.md:\n\n- [ ] read files" {
			injected = true
		}
	}
	if !injected {
		t.Error("todo.md contents not injected into the prompt")
	}

	data, err := f.sandbox.ReadFile(context.Background(), "proj-1", "todo.md")
	if err != nil {
		t.Fatalf("read todo.md: %v", err)
	}
	want := "- [x] read files\n- [ ] write summary\n"
	if string(data) != want {
		t.Errorf("todo.md = %q, want %q", string(data), want)
	}
}

func TestExecuteRunFailure(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		{{Err: Errf(KindFatal, "fake", "invalid api key")}},
	}}
	f := newOrchFixture(t, provider, nil)

	if err := f.orchestrator.ExecuteRun(context.Background(), f.sub); err != nil {
		t.Fatalf("ExecuteRun should absorb run failure: %v", err)
	}

	run := f.runStatus(t)
	if run.Status != models.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.Error == "" {
		t.Error("failed run missing error text")
	}
}
