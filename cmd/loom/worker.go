package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/agent/providers"
	"github.com/loomlabs/loom/internal/billing"
	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/pubsub"
	"github.com/loomlabs/loom/internal/queue"
	"github.com/loomlabs/loom/internal/sandbox"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

// defaultSystemPrompt seeds every run that does not configure its own prompt.
const defaultSystemPrompt = `You are an autonomous agent working inside a project workspace.

Work through the task step by step. Use the available tools to read and write
files and to run commands. Keep todo.md up to date with your plan; to rewrite
it, include a <todo_update>...</todo_update> block in your response.

When you need input from the user, call the ask tool and wait. When every part
of the task is done, call the complete tool exactly once.`

func buildWorkerCmd() *cobra.Command {
	var workspaceDir string
	var systemPromptFile string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the run queue and execute agent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			return runWorker(cmd.Context(), cfg, logger, workspaceDir, systemPromptFile)
		},
	}
	cmd.Flags().StringVar(&workspaceDir, "workspace", "",
		"local directory to use as the sandbox when no sandbox service is configured")
	cmd.Flags().StringVar(&systemPromptFile, "system-prompt", "",
		"path to a file overriding the built-in system prompt")
	return cmd
}

func runWorker(parent context.Context, cfg *config.Config, logger *slog.Logger, workspaceDir, systemPromptFile string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()[:8]
	}
	logger = logger.With("instance_id", instanceID)

	systemPrompt := defaultSystemPrompt
	if systemPromptFile != "" {
		data, err := os.ReadFile(systemPromptFile)
		if err != nil {
			return fmt.Errorf("failed to read system prompt: %w", err)
		}
		systemPrompt = string(data)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	bus, err := pubsub.NewRedisBus(ctx, &pubsub.RedisConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		ReplayTTL: cfg.RedisResponseListTTL,
	}, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	runQueue, err := queue.NewRedisQueue(ctx, queue.RedisQueueConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Key:         cfg.RunQueueName,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer runQueue.Close()

	metrics := observability.New(prometheus.DefaultRegisterer)
	startMetricsServer(cfg.MetricsAddr, logger)

	sb, err := openSandbox(cfg, workspaceDir)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg, metrics, logger)
	if err != nil {
		return err
	}

	registry := agent.NewToolRegistry(logger)
	if err := tools.RegisterAll(registry, tools.Options{Sandbox: sb, Logger: logger}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	parser := agent.NewToolCallParser(registry, cfg.MaxXMLToolCalls, logger)
	contextm := agent.NewContextManager(st, provider, agent.ContextManagerOptions{
		Threshold:     cfg.ContextTokenThreshold,
		SummaryTarget: cfg.ContextSummaryTargetTokens,
		Reserve:       cfg.ContextReserveTokens,
		Logger:        logger,
	})
	runner := agent.NewThreadRunner(st, provider, registry, parser, contextm, logger)

	runRegistry := agent.NewRunRegistry()
	orchestrator := agent.NewOrchestrator(st, bus, runner, runRegistry, agent.OrchestratorOptions{
		SystemPrompt: systemPrompt,
		InstanceID:   instanceID,
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Sandbox:      sb,
	})

	logger.Info("worker started",
		"queue", cfg.RunQueueName,
		"concurrency", cfg.WorkerConcurrency,
		"default_model", cfg.LLMDefaultModel,
	)

	err = runQueue.Consume(ctx, func(ctx context.Context, sub *models.RunSubmission) error {
		return orchestrator.ExecuteRun(ctx, sub)
	})

	runRegistry.Shutdown()
	waitForDrain(runRegistry, 30*time.Second, logger)

	if errors.Is(err, context.Canceled) {
		logger.Info("worker stopped")
		return nil
	}
	return err
}

// openStore picks Postgres when a DSN is configured, SQLite otherwise.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.PostgresDSN != "" {
		return store.NewPostgresStore(store.DefaultPostgresConfig(cfg.PostgresDSN))
	}
	return store.NewSQLiteStore(cfg.SQLitePath)
}

// openSandbox prefers the external sandbox service, falling back to a local
// directory. With neither, sandbox tools are disabled.
func openSandbox(cfg *config.Config, workspaceDir string) (sandbox.Client, error) {
	if cfg.SandboxBaseURL != "" {
		return sandbox.NewHTTPClient(cfg.SandboxBaseURL)
	}
	if workspaceDir != "" {
		return sandbox.NewLocalClient(workspaceDir)
	}
	return nil, nil
}

// buildProvider assembles the provider router from whichever API keys are
// configured.
func buildProvider(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (agent.LLMProvider, error) {
	routerCfg := providers.RouterConfig{
		Resolver: providers.NewResolver(cfg.LLMDefaultModel, logger),
		Recorder: billing.NewLogRecorder(logger),
		Metrics:  metrics,
		Logger:   logger,
	}

	if cfg.OpenAIAPIKey != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		routerCfg.OpenAI = p
	}
	if cfg.AnthropicAPIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		routerCfg.Anthropic = p
	}

	router, err := providers.NewRouter(routerCfg)
	if err != nil {
		return nil, fmt.Errorf("no LLM provider configured: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	return router, nil
}

// startMetricsServer serves /metrics on addr; empty addr disables it.
func startMetricsServer(addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", addr)
}

// waitForDrain blocks until active runs finish recording their terminal
// state, bounded by timeout.
func waitForDrain(registry *agent.RunRegistry, timeout time.Duration, logger *slog.Logger) {
	deadline := time.Now().Add(timeout)
	for registry.Active() > 0 {
		if time.Now().After(deadline) {
			logger.Warn("shutdown timeout with runs still active", "active", registry.Active())
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
