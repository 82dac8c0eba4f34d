package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/pubsub"
	"github.com/loomlabs/loom/internal/sandbox"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/pkg/models"
)

const todoPath = "todo.md"

// runState is the per-run mutable state tracked by the registry: a
// cooperative stop flag and the cancel for the run's context.
type runState struct {
	stop   atomic.Bool
	cancel context.CancelFunc
}

// RunRegistry tracks the runs executing on this process. It exists so a
// shutdown can cancel everything and so control handling has one place to
// flip stop flags.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*runState
	done bool
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: map[string]*runState{}}
}

func (r *RunRegistry) add(runID string, cancel context.CancelFunc) (*runState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, false
	}
	if _, exists := r.runs[runID]; exists {
		return nil, false
	}
	state := &runState{cancel: cancel}
	r.runs[runID] = state
	return state, true
}

func (r *RunRegistry) remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Stop flips the stop flag of a local run. Returns false when the run is not
// executing here.
func (r *RunRegistry) Stop(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.runs[runID]
	if ok {
		state.stop.Store(true)
	}
	return ok
}

// Active returns the number of runs executing on this process.
func (r *RunRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Shutdown stops accepting runs and cancels every active one.
func (r *RunRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	for _, state := range r.runs {
		state.stop.Store(true)
		if state.cancel != nil {
			state.cancel()
		}
	}
}

// OrchestratorOptions is the static configuration of a worker's orchestrator.
type OrchestratorOptions struct {
	// SystemPrompt seeds every iteration's prompt.
	SystemPrompt string

	// InstanceID identifies this worker for leases and targeted control.
	InstanceID string

	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Sandbox is optional; without it the todo round trip is skipped.
	Sandbox sandbox.Client
}

// Orchestrator drives ThreadRunner until a run terminates: it claims the
// lease, watches control channels, bounds the iteration count, maintains run
// status, and publishes the final status frame.
type Orchestrator struct {
	store    store.Store
	bus      pubsub.Bus
	runner   *ThreadRunner
	registry *RunRegistry
	opts     OrchestratorOptions
	logger   *slog.Logger
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(st store.Store, bus pubsub.Bus, runner *ThreadRunner, registry *RunRegistry, opts OrchestratorOptions) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if registry == nil {
		registry = NewRunRegistry()
	}
	return &Orchestrator{
		store:    st,
		bus:      bus,
		runner:   runner,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Registry exposes the run registry for control endpoints.
func (o *Orchestrator) Registry() *RunRegistry { return o.registry }

// ExecuteRun drives one submitted run to a terminal status. When another
// instance holds the lease the call returns nil without touching the run.
func (o *Orchestrator) ExecuteRun(ctx context.Context, sub *models.RunSubmission) error {
	cfg := o.opts.Config
	logger := o.logger.With("run_id", sub.AgentRunID, "thread_id", sub.ThreadID)

	acquired, err := o.bus.AcquireLease(ctx, sub.AgentRunID, o.opts.InstanceID, cfg.RedisKeyTTL)
	if err != nil {
		return WrapErr(KindTransient, "orchestrator.lease", err)
	}
	if !acquired {
		logger.Info("run lease held elsewhere, skipping")
		return nil
	}

	runCtx, cancel := context.WithCancel(sandbox.WithProject(ctx, sub.ProjectID))
	defer cancel()

	state, ok := o.registry.add(sub.AgentRunID, cancel)
	if !ok {
		o.bus.ReleaseLease(ctx, sub.AgentRunID, o.opts.InstanceID)
		logger.Warn("run already active on this instance or worker shutting down")
		return nil
	}

	defer func() {
		o.registry.remove(sub.AgentRunID)
		// Release with a fresh context so teardown survives run cancellation.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := o.bus.ReleaseLease(releaseCtx, sub.AgentRunID, o.opts.InstanceID); err != nil {
			logger.Warn("failed to release run lease", "error", err)
		}
	}()

	o.watchControl(runCtx, sub.AgentRunID, state, logger)
	o.refreshLease(runCtx, sub.AgentRunID, cfg.RedisKeyTTL, state, logger)

	if err := o.store.SetRunStatus(runCtx, sub.AgentRunID, models.RunRunning, nil, nil); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Warn("run already terminal, skipping")
			return nil
		}
		return WrapErr(Classify(err), "orchestrator.start", err)
	}
	o.opts.Metrics.ObserveRunStarted()
	logger.Info("run started", "model", sub.ModelName, "instance_id", o.opts.InstanceID)

	emitter := NewEmitter(o.store, o.bus, sub.AgentRunID, sub.ThreadID, logger)
	finalStatus, errText := o.loop(runCtx, emitter, sub, state, logger)

	o.finish(sub.AgentRunID, emitter, finalStatus, errText, logger)
	return nil
}

// loop runs iterations until a terminal condition and returns the terminal
// status plus an optional error text.
func (o *Orchestrator) loop(ctx context.Context, emitter *Emitter, sub *models.RunSubmission, state *runState, logger *slog.Logger) (models.RunStatus, string) {
	cfg := o.opts.Config
	ropts := RunnerOptions{
		SystemPrompt:           o.opts.SystemPrompt,
		Model:                  sub.ModelName,
		Stream:                 sub.Stream,
		EnableContextManager:   sub.EnableContextManager,
		NativeTools:            true,
		IncludeXMLExamples:     true,
		ToolStrategy:           cfg.ToolExecutionStrategy,
		NativeMaxAutoContinues: cfg.NativeMaxAutoContinues,
		EnableThinking:         sub.EnableThinking,
		ReasoningEffort:        sub.ReasoningEffort,
		Billing: &BillingContext{
			UserID:    sub.UserID,
			RunID:     sub.AgentRunID,
			StartedAt: time.Now(),
		},
	}
	if ropts.Model == "" {
		ropts.Model = cfg.LLMDefaultModel
	}

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		if state.stop.Load() || ctx.Err() != nil {
			logger.Info("run stopped by control signal", "iteration", iteration)
			return models.RunStopped, ""
		}

		temporary := o.readTodo(ctx, sub.ProjectID, logger)
		o.opts.Metrics.ObserveIteration()

		result, err := o.runner.RunIteration(ctx, emitter, sub.ThreadID, temporary, ropts)
		if err != nil {
			if Classify(err) == KindCancelled {
				logger.Info("run cancelled mid-iteration", "iteration", iteration)
				return models.RunStopped, ""
			}
			logger.Error("run failed", "iteration", iteration, "error", err)
			return models.RunFailed, shortError(err)
		}

		o.writeTodoUpdate(ctx, sub.ProjectID, result.LastAssistant, logger)

		switch {
		case result.TerminatingTool == ToolComplete:
			return models.RunCompleted, ""
		case result.TerminatingTool != "":
			return models.RunStopped, "awaiting user input"
		case !result.Continue:
			return models.RunCompleted, ""
		}
	}
	logger.Info("run reached maximum iterations", "max_iterations", cfg.MaxIterations)
	return models.RunCompleted, "reached maximum iterations"
}

// finish records the terminal status and publishes the final frame. Status
// updates use a fresh context so a cancelled run still lands its terminal
// state.
func (o *Orchestrator) finish(runID string, emitter *Emitter, status models.RunStatus, errText string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errPtr *string
	if errText != "" {
		errPtr = &errText
	}
	now := time.Now().UTC()
	if err := o.store.SetRunStatus(ctx, runID, status, errPtr, &now); err != nil {
		logger.Error("failed to record terminal run status", "status", status, "error", err)
	}

	metadata := map[string]any{"status": string(status)}
	if errText != "" {
		metadata["error"] = errText
	}
	emitter.PublishFrame(ctx, models.StatusFrame(models.StatusRunTerminal, errText, metadata))

	o.opts.Metrics.ObserveRunFinished(string(status))
	logger.Info("run finished", "status", status, "error", errText)
}

// watchControl subscribes to the run's global and instance control channels
// and flips the stop flag on STOP or ERROR.
func (o *Orchestrator) watchControl(ctx context.Context, runID string, state *runState, logger *slog.Logger) {
	channels := []string{
		pubsub.ControlChannel(runID),
		pubsub.InstanceControlChannel(runID, o.opts.InstanceID),
	}
	for _, channel := range channels {
		sub, err := o.bus.Subscribe(ctx, channel)
		if err != nil {
			logger.Warn("failed to subscribe to control channel", "channel", channel, "error", err)
			continue
		}
		go func(sub pubsub.Subscription) {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub.Channel():
					if !ok {
						return
					}
					switch string(payload) {
					case pubsub.SignalStop, pubsub.SignalError:
						logger.Info("control signal received", "signal", string(payload))
						state.stop.Store(true)
					}
				}
			}
		}(sub)
	}
}

// refreshLease keeps the lease alive while the run executes. Losing the lease
// flips the stop flag so another instance can take over cleanly.
func (o *Orchestrator) refreshLease(ctx context.Context, runID string, ttl time.Duration, state *runState, logger *slog.Logger) {
	if ttl <= 0 {
		ttl = pubsub.DefaultLeaseTTL
	}
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := o.bus.RefreshLease(ctx, runID, o.opts.InstanceID, ttl)
				if err != nil {
					logger.Warn("lease refresh failed", "error", err)
					continue
				}
				if !ok {
					logger.Warn("lease lost, stopping run")
					state.stop.Store(true)
					return
				}
			}
		}
	}()
}

// readTodo loads todo.md from the project sandbox and shapes it as the
// iteration's temporary user message. Missing file or no sandbox means no
// injection.
func (o *Orchestrator) readTodo(ctx context.Context, projectID string, logger *slog.Logger) *models.Message {
	if o.opts.Sandbox == nil || projectID == "" {
		return nil
	}
	data, err := o.opts.Sandbox.ReadFile(ctx, projectID, todoPath)
	if err != nil {
		if !errors.Is(err, sandbox.ErrNotFound) {
			logger.Warn("failed to read todo.md", "error", err)
		}
		return nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	return &models.Message{
		Type:    models.MessageUser,
		Content: models.TextContent("Current contents of todo.md:\n\n" + text),
	}
}

// writeTodoUpdate scans assistant text for a <todo_update> block and writes
// its inner text back to todo.md.
func (o *Orchestrator) writeTodoUpdate(ctx context.Context, projectID, assistantText string, logger *slog.Logger) {
	if o.opts.Sandbox == nil || projectID == "" || assistantText == "" {
		return
	}
	const openTag, closeTag = "<todo_update>", "</todo_update>"
	start := strings.Index(assistantText, openTag)
	if start < 0 {
		return
	}
	rest := assistantText[start+len(openTag):]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return
	}
	content := strings.TrimSpace(rest[:end])
	if err := o.opts.Sandbox.WriteFile(ctx, projectID, todoPath, []byte(content+"\n")); err != nil {
		logger.Warn("failed to write todo.md", "error", err)
	}
}

// shortError trims an error to the length stored on the run row.
func shortError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
