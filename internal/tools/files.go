package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/sandbox"
	"github.com/loomlabs/loom/pkg/models"
)

// maxReadBytes bounds how much file content is returned to the model in one
// read. Larger files are truncated with a marker.
const maxReadBytes = 64 * 1024

// RegisterSandbox registers the file and shell tools over the given sandbox
// client.
func RegisterSandbox(reg *agent.ToolRegistry, sb sandbox.Client) error {
	defs := []agent.ToolDefinition{
		readFileTool(sb),
		createFileTool(sb),
		fullFileRewriteTool(sb),
		strReplaceTool(sb),
		executeCommandTool(sb),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func readFileTool(sb sandbox.Client) agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        "read-file",
		Description: "Read a file from the project workspace and return its contents.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path of the file relative to the workspace root.",
				},
			},
			"required": []any{"file_path"},
		},
		XML: &agent.XMLBinding{
			TagName: "read-file",
			Fields: []agent.XMLField{
				{Name: "file_path", Source: agent.SourceAttribute, Path: "file_path", ValueType: agent.TypeString},
			},
			Example: "<read-file file_path=\"src/main.py\"></read-file>",
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			path, ok := requirePath(args)
			if !ok {
				return models.ErrorResult("file_path is required")
			}
			data, err := sb.ReadFile(ctx, sandbox.ProjectFrom(ctx), path)
			if err != nil {
				if errors.Is(err, sandbox.ErrNotFound) {
					return models.ErrorResult("file not found: " + path)
				}
				return models.ErrorResult("failed to read " + path + ": " + err.Error())
			}
			content := string(data)
			if len(content) > maxReadBytes {
				content = content[:maxReadBytes] + "\n... (truncated)"
			}
			return models.SuccessResult(content)
		},
	}
}

func createFileTool(sb sandbox.Client) agent.ToolDefinition {
	return agent.ToolDefinition{
		Name: "create-file",
		Description: "Create a new file in the project workspace with the given contents. " +
			"Parent directories are created as needed.",
		Parameters: fileWriteParams(),
		XML: &agent.XMLBinding{
			TagName: "create-file",
			Fields:  fileWriteFields(),
			Example: "<create-file file_path=\"notes.md\"># Notes\n\nFirst entry.</create-file>",
		},
		Handler: writeHandler(sb, "created"),
	}
}

func fullFileRewriteTool(sb sandbox.Client) agent.ToolDefinition {
	return agent.ToolDefinition{
		Name: "full-file-rewrite",
		Description: "Replace the entire contents of an existing file. Prefer str-replace for " +
			"small edits; use this when most of the file changes.",
		Parameters: fileWriteParams(),
		XML: &agent.XMLBinding{
			TagName: "full-file-rewrite",
			Fields:  fileWriteFields(),
			Example: "<full-file-rewrite file_path=\"config.yaml\">threshold: 10\nenabled: true</full-file-rewrite>",
		},
		Handler: writeHandler(sb, "rewrote"),
	}
}

func strReplaceTool(sb sandbox.Client) agent.ToolDefinition {
	return agent.ToolDefinition{
		Name: "str-replace",
		Description: "Replace one occurrence of a string in a file. The old string must appear " +
			"exactly once; include surrounding lines to disambiguate.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path of the file relative to the workspace root.",
				},
				"old_str": map[string]any{
					"type":        "string",
					"description": "Exact text to replace.",
				},
				"new_str": map[string]any{
					"type":        "string",
					"description": "Replacement text.",
				},
			},
			"required": []any{"file_path", "old_str", "new_str"},
		},
		XML: &agent.XMLBinding{
			TagName: "str-replace",
			Fields: []agent.XMLField{
				{Name: "file_path", Source: agent.SourceAttribute, Path: "file_path", ValueType: agent.TypeString},
				{Name: "old_str", Source: agent.SourceElement, Path: "old_str", ValueType: agent.TypeString},
				{Name: "new_str", Source: agent.SourceElement, Path: "new_str", ValueType: agent.TypeString},
			},
			Example: "<str-replace file_path=\"app.py\"><old_str>DEBUG = True</old_str><new_str>DEBUG = False</new_str></str-replace>",
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			path, ok := requirePath(args)
			if !ok {
				return models.ErrorResult("file_path is required")
			}
			oldStr, _ := args["old_str"].(string)
			newStr, _ := args["new_str"].(string)
			if oldStr == "" {
				return models.ErrorResult("old_str is required")
			}

			project := sandbox.ProjectFrom(ctx)
			data, err := sb.ReadFile(ctx, project, path)
			if err != nil {
				if errors.Is(err, sandbox.ErrNotFound) {
					return models.ErrorResult("file not found: " + path)
				}
				return models.ErrorResult("failed to read " + path + ": " + err.Error())
			}

			content := string(data)
			switch strings.Count(content, oldStr) {
			case 0:
				return models.ErrorResult("old_str not found in " + path)
			case 1:
			default:
				return models.ErrorResult("old_str appears more than once in " + path + "; add surrounding context")
			}

			updated := strings.Replace(content, oldStr, newStr, 1)
			if err := sb.WriteFile(ctx, project, path, []byte(updated)); err != nil {
				return models.ErrorResult("failed to write " + path + ": " + err.Error())
			}
			return models.SuccessResult("replaced text in " + path)
		},
	}
}

func fileWriteParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path of the file relative to the workspace root.",
			},
			"file_contents": map[string]any{
				"type":        "string",
				"description": "Complete contents to write.",
			},
		},
		"required": []any{"file_path", "file_contents"},
	}
}

func fileWriteFields() []agent.XMLField {
	return []agent.XMLField{
		{Name: "file_path", Source: agent.SourceAttribute, Path: "file_path", ValueType: agent.TypeString},
		{Name: "file_contents", Source: agent.SourceContent, ValueType: agent.TypeString},
	}
}

func writeHandler(sb sandbox.Client, verb string) agent.ToolFunc {
	return func(ctx context.Context, args map[string]any) models.ToolResult {
		path, ok := requirePath(args)
		if !ok {
			return models.ErrorResult("file_path is required")
		}
		contents, _ := args["file_contents"].(string)
		if err := sb.WriteFile(ctx, sandbox.ProjectFrom(ctx), path, []byte(contents)); err != nil {
			return models.ErrorResult("failed to write " + path + ": " + err.Error())
		}
		return models.SuccessResult(fmt.Sprintf("%s %s (%d bytes)", verb, path, len(contents)))
	}
}

func requirePath(args map[string]any) (string, bool) {
	path, _ := args["file_path"].(string)
	path = strings.TrimSpace(path)
	return path, path != ""
}
