// Package main is the CLI entry point for the loom agent runtime.
//
// The worker command consumes run submissions from the Redis work queue and
// drives each run to a terminal state:
//
//	loom worker --config loom.yaml
//
// The run command executes a single prompt locally with in-memory backends,
// useful for development and smoke tests:
//
//	loom run --model gpt-4o "summarize the files in this directory"
//
// Configuration can also be provided via environment variables; see
// internal/config for the full list.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Autonomous agent runtime",
		Long: "Loom executes autonomous agent runs: it consults an LLM, runs the tool\n" +
			"calls the model emits, persists every step to a durable thread, and\n" +
			"streams progress events to subscribers.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LOOM_CONFIG"),
		"path to YAML config file")

	rootCmd.AddCommand(buildWorkerCmd())
	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// loadConfig loads the effective configuration for a command invocation.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
