package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/sandbox"
)

func newToolFixture(t *testing.T) (*agent.ToolRegistry, *sandbox.Fake, context.Context) {
	t.Helper()
	reg := agent.NewToolRegistry(nil)
	sb := sandbox.NewFake()
	if err := RegisterAll(reg, Options{Sandbox: sb}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return reg, sb, sandbox.WithProject(context.Background(), "proj-1")
}

func TestRegisterAllToolSet(t *testing.T) {
	reg, _, _ := newToolFixture(t)
	for _, name := range []string{
		agent.ToolAsk, agent.ToolComplete, agent.ToolWebBrowserTakeover,
		"read-file", "create-file", "full-file-rewrite", "str-replace", "execute-command",
	} {
		if !reg.Has(name) {
			t.Errorf("tool %q not registered", name)
		}
	}
	if len(reg.XMLExamples()) == 0 {
		t.Error("no xml examples registered")
	}
}

func TestTerminatingToolsEchoText(t *testing.T) {
	reg, _, ctx := newToolFixture(t)
	result := reg.Invoke(ctx, agent.ToolAsk, map[string]any{"text": "which one?"})
	if !result.Success || result.Output != "which one?" {
		t.Errorf("ask result: %+v", result)
	}
	if result := reg.Invoke(ctx, agent.ToolAsk, map[string]any{}); result.Success {
		t.Error("ask without text should fail schema validation")
	}
}

func TestFileTools(t *testing.T) {
	reg, sb, ctx := newToolFixture(t)

	create := reg.Invoke(ctx, "create-file", map[string]any{
		"file_path":     "notes.md",
		"file_contents": "alpha = 1\n",
	})
	if !create.Success {
		t.Fatalf("create-file failed: %s", create.Output)
	}

	read := reg.Invoke(ctx, "read-file", map[string]any{"file_path": "notes.md"})
	if !read.Success || read.Output != "alpha = 1\n" {
		t.Errorf("read-file: %+v", read)
	}

	replace := reg.Invoke(ctx, "str-replace", map[string]any{
		"file_path": "notes.md",
		"old_str":   "alpha = 1",
		"new_str":   "alpha = 2",
	})
	if !replace.Success {
		t.Fatalf("str-replace failed: %s", replace.Output)
	}
	data, err := sb.ReadFile(ctx, "proj-1", "notes.md")
	if err != nil || string(data) != "alpha = 2\n" {
		t.Errorf("file after replace: %q (%v)", data, err)
	}

	missing := reg.Invoke(ctx, "read-file", map[string]any{"file_path": "nope.txt"})
	if missing.Success || !strings.Contains(missing.Output, "file not found") {
		t.Errorf("missing file: %+v", missing)
	}
}

func TestStrReplaceAmbiguous(t *testing.T) {
	reg, sb, ctx := newToolFixture(t)
	sb.Seed("proj-1", "a.txt", []byte("x\nx\n"))

	result := reg.Invoke(ctx, "str-replace", map[string]any{
		"file_path": "a.txt",
		"old_str":   "x",
		"new_str":   "y",
	})
	if result.Success || !strings.Contains(result.Output, "more than once") {
		t.Errorf("ambiguous replace: %+v", result)
	}
}

func TestExecuteCommand(t *testing.T) {
	reg, sb, ctx := newToolFixture(t)
	sb.Script("echo hi", &sandbox.CommandResult{ExitCode: 0, Stdout: "hi\n"})
	sb.Script("false", &sandbox.CommandResult{ExitCode: 1, Stderr: "boom\n"})

	ok := reg.Invoke(ctx, "execute-command", map[string]any{"command": "echo hi"})
	if !ok.Success || !strings.Contains(ok.Output, "hi") {
		t.Errorf("echo result: %+v", ok)
	}
	if ok.Metadata["exit_code"] != 0 {
		t.Errorf("exit code metadata: %v", ok.Metadata)
	}

	fail := reg.Invoke(ctx, "execute-command", map[string]any{"command": "false"})
	if fail.Success {
		t.Error("non-zero exit should fail")
	}
	if !strings.Contains(fail.Output, "boom") {
		t.Errorf("stderr missing from output: %q", fail.Output)
	}

	empty := reg.Invoke(ctx, "execute-command", map[string]any{"command": "  "})
	if empty.Success {
		t.Error("blank command should fail")
	}
}

func TestRegisterAllWithoutSandbox(t *testing.T) {
	reg := agent.NewToolRegistry(nil)
	if err := RegisterAll(reg, Options{}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if !reg.Has(agent.ToolComplete) {
		t.Error("terminating tools missing")
	}
	if reg.Has("read-file") {
		t.Error("file tools registered without a sandbox")
	}
}
