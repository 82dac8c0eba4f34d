package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/pubsub"
	"github.com/loomlabs/loom/internal/sandbox"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var model string
	var workspaceDir string
	var stream bool

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Execute a single agent run locally",
		Long: "Run executes one prompt with in-memory backends and a local directory\n" +
			"as the sandbox. Nothing is persisted; intended for development.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			if model != "" {
				cfg.LLMDefaultModel = model
			}

			st := store.NewMemoryStore()
			bus := pubsub.NewMemoryBus()

			sb, err := sandbox.NewLocalClient(workspaceDir)
			if err != nil {
				return err
			}

			metrics := (*observability.Metrics)(nil)
			provider, err := buildProvider(cfg, metrics, logger)
			if err != nil {
				return err
			}

			registry := agent.NewToolRegistry(logger)
			if err := tools.RegisterAll(registry, tools.Options{Sandbox: sb, Logger: logger}); err != nil {
				return err
			}
			parser := agent.NewToolCallParser(registry, cfg.MaxXMLToolCalls, logger)
			contextm := agent.NewContextManager(st, provider, agent.ContextManagerOptions{
				Threshold:     cfg.ContextTokenThreshold,
				SummaryTarget: cfg.ContextSummaryTargetTokens,
				Reserve:       cfg.ContextReserveTokens,
				Logger:        logger,
			})
			runner := agent.NewThreadRunner(st, provider, registry, parser, contextm, logger)

			orchestrator := agent.NewOrchestrator(st, bus, runner, agent.NewRunRegistry(), agent.OrchestratorOptions{
				SystemPrompt: defaultSystemPrompt,
				InstanceID:   "local",
				Config:       cfg,
				Logger:       logger,
				Metrics:      metrics,
				Sandbox:      sb,
			})

			ctx := cmd.Context()
			thread, err := st.CreateThread(ctx, "local", models.DemoAccountID)
			if err != nil {
				return err
			}
			if _, err := st.AppendMessage(ctx, thread.ID, &models.Message{
				Type:         models.MessageUser,
				IsLLMMessage: true,
				Content:      models.TextContent(args[0]),
			}); err != nil {
				return err
			}

			run := &models.AgentRun{
				ID:       uuid.NewString(),
				ThreadID: thread.ID,
				Status:   models.RunPending,
			}
			if err := st.CreateRun(ctx, run); err != nil {
				return err
			}

			var wg sync.WaitGroup
			printCtx, stopPrinting := context.WithCancel(ctx)
			defer stopPrinting()
			if err := printEvents(printCtx, &wg, bus, run.ID); err != nil {
				return err
			}

			err = orchestrator.ExecuteRun(ctx, &models.RunSubmission{
				AgentRunID: run.ID,
				ThreadID:   thread.ID,
				ProjectID:  "local",
				ModelName:  cfg.LLMDefaultModel,
				Stream:     stream,
			})
			stopPrinting()
			wg.Wait()

			final, getErr := st.GetRun(ctx, run.ID)
			if getErr == nil {
				fmt.Printf("\nrun %s: %s", final.ID, final.Status)
				if final.Error != "" {
					fmt.Printf(" (%s)", final.Error)
				}
				fmt.Println()
			}
			return err
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name or alias")
	cmd.Flags().StringVar(&workspaceDir, "workspace", ".", "directory used as the sandbox")
	cmd.Flags().BoolVar(&stream, "stream", true, "stream assistant deltas")
	return cmd
}

// printEvents subscribes to the run's event channel and renders frames to
// stdout until ctx is cancelled.
func printEvents(ctx context.Context, wg *sync.WaitGroup, bus pubsub.Bus, runID string) error {
	sub, err := bus.Subscribe(ctx, pubsub.EventChannel(runID))
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.Channel():
				if !ok {
					return
				}
				frame, err := models.DecodeEventFrame(payload)
				if err != nil {
					continue
				}
				renderFrame(frame)
			}
		}
	}()
	return nil
}

func renderFrame(frame models.EventFrame) {
	switch frame.Type {
	case models.EventAssistant:
		if streaming, _ := frame.Metadata["streaming"].(bool); streaming {
			fmt.Print(frame.Content.String())
			return
		}
		text := frame.Content.String()
		if strings.TrimSpace(text) != "" {
			fmt.Println(text)
		}
	case models.EventToolMsg:
		fmt.Fprintf(os.Stderr, "[tool] %s\n", firstLine(frame.Content.String()))
	case models.EventStatus:
		switch frame.StatusType {
		case models.StatusToolStarted, models.StatusToolCompleted, models.StatusToolFailed:
			fmt.Fprintf(os.Stderr, "[%s] %s\n", frame.StatusType, frame.Content.String())
		case models.StatusError:
			fmt.Fprintf(os.Stderr, "[error] %s\n", frame.Content.String())
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
