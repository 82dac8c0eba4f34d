package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/sandbox"
	"github.com/loomlabs/loom/pkg/models"
)

const (
	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 10 * time.Minute
	maxCommandOutput      = 32 * 1024
)

func executeCommandTool(sb sandbox.Client) agent.ToolDefinition {
	return agent.ToolDefinition{
		Name: "execute-command",
		Description: "Run a shell command in the project workspace and return its output. " +
			"Commands run non-interactively; long-running commands are killed at the timeout.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to run.",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds. Defaults to 60, capped at 600.",
				},
			},
			"required": []any{"command"},
		},
		XML: &agent.XMLBinding{
			TagName: "execute-command",
			Fields: []agent.XMLField{
				{Name: "timeout", Source: agent.SourceAttribute, Path: "timeout", ValueType: agent.TypeInt},
				{Name: "command", Source: agent.SourceContent, ValueType: agent.TypeString},
			},
			Example: "<execute-command timeout=\"120\">python -m pytest tests/</execute-command>",
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			command, _ := args["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return models.ErrorResult("command is required")
			}

			timeout := defaultCommandTimeout
			if secs, ok := args["timeout"].(int); ok && secs > 0 {
				timeout = time.Duration(secs) * time.Second
				if timeout > maxCommandTimeout {
					timeout = maxCommandTimeout
				}
			}

			cmdCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result, err := sb.RunCommand(cmdCtx, sandbox.ProjectFrom(ctx), command)
			if err != nil {
				if cmdCtx.Err() == context.DeadlineExceeded {
					return models.ErrorResult(fmt.Sprintf("command timed out after %s", timeout))
				}
				return models.ErrorResult("command failed to start: " + err.Error())
			}

			output := formatCommandOutput(result)
			if result.ExitCode != 0 {
				return models.ToolResult{
					Success: false,
					Output:  output,
					Metadata: map[string]any{
						"exit_code": result.ExitCode,
					},
				}
			}
			return models.ToolResult{
				Success:  true,
				Output:   output,
				Metadata: map[string]any{"exit_code": 0},
			}
		},
	}
}

// formatCommandOutput combines stdout and stderr with the exit code, bounded
// to keep tool messages from flooding the context window.
func formatCommandOutput(result *sandbox.CommandResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", result.ExitCode)
	if result.Stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(truncate(result.Stdout, maxCommandOutput))
		if !strings.HasSuffix(result.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if result.Stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(truncate(result.Stderr, maxCommandOutput))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
