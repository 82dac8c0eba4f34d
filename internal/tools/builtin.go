// Package tools holds the built-in tool set: the terminating control tools
// the model uses to end or pause a run, and the sandbox-backed file and shell
// tools. Everything here is registered at worker startup.
package tools

import (
	"context"
	"log/slog"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/sandbox"
	"github.com/loomlabs/loom/pkg/models"
)

// Options configures built-in registration. Sandbox may be nil, in which case
// the file and shell tools are skipped.
type Options struct {
	Sandbox sandbox.Client
	Logger  *slog.Logger
}

// RegisterAll registers the complete built-in tool set.
func RegisterAll(reg *agent.ToolRegistry, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := RegisterTerminating(reg); err != nil {
		return err
	}
	if opts.Sandbox == nil {
		opts.Logger.Warn("no sandbox configured, file and shell tools disabled")
		return nil
	}
	return RegisterSandbox(reg, opts.Sandbox)
}

// RegisterTerminating registers ask, complete, and web-browser-takeover. Their
// handlers only echo the text; the loop recognizes the names and stops the run
// after a successful execution.
func RegisterTerminating(reg *agent.ToolRegistry) error {
	defs := []agent.ToolDefinition{
		{
			Name: agent.ToolAsk,
			Description: "Ask the user a question and pause the run until they answer. " +
				"Use this whenever you need input, clarification, or a decision from the user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "The question or request to show the user.",
					},
					"attachments": map[string]any{
						"type":        "string",
						"description": "Optional comma-separated file paths to show alongside the question.",
					},
				},
				"required": []any{"text"},
			},
			XML: &agent.XMLBinding{
				TagName: agent.ToolAsk,
				Fields: []agent.XMLField{
					{Name: "attachments", Source: agent.SourceAttribute, Path: "attachments", ValueType: agent.TypeString},
					{Name: "text", Source: agent.SourceContent, ValueType: agent.TypeString},
				},
				Example: "<ask attachments=\"report.md\">Should I proceed with the draft in report.md?</ask>",
			},
			Handler: echoText,
		},
		{
			Name: agent.ToolComplete,
			Description: "Signal that the task is finished. Call this exactly once, after every " +
				"item of the task is done. The run ends immediately.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "A short summary of what was accomplished.",
					},
				},
			},
			XML: &agent.XMLBinding{
				TagName: agent.ToolComplete,
				Fields: []agent.XMLField{
					{Name: "text", Source: agent.SourceContent, ValueType: agent.TypeString},
				},
				Example: "<complete>Implemented the importer and verified all three sample files load.</complete>",
			},
			Handler: echoText,
		},
		{
			Name: agent.ToolWebBrowserTakeover,
			Description: "Hand browser control to the user, for example to complete a login or a " +
				"captcha. The run pauses until the user resumes it.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "What the user needs to do in the browser.",
					},
				},
				"required": []any{"text"},
			},
			XML: &agent.XMLBinding{
				TagName: agent.ToolWebBrowserTakeover,
				Fields: []agent.XMLField{
					{Name: "text", Source: agent.SourceContent, ValueType: agent.TypeString},
				},
				Example: "<web-browser-takeover>Please sign in to your account, then tell me to continue.</web-browser-takeover>",
			},
			Handler: echoText,
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// echoText surfaces the text argument as the result so the emitted tool event
// carries the message meant for the user.
func echoText(_ context.Context, args map[string]any) models.ToolResult {
	text, _ := args["text"].(string)
	return models.SuccessResult(text)
}
