package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLocalClientRoundTrip(t *testing.T) {
	c, err := NewLocalClient(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalClient: %v", err)
	}
	ctx := context.Background()

	if err := c.WriteFile(ctx, "proj-1", "src/main.go", []byte("package main\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := c.ReadFile(ctx, "proj-1", "src/main.go")
	if err != nil || string(data) != "package main\n" {
		t.Errorf("ReadFile: %q (%v)", data, err)
	}

	if _, err := c.ReadFile(ctx, "proj-1", "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file: %v, want ErrNotFound", err)
	}
	if _, err := c.ReadFile(ctx, "proj-2", "src/main.go"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other project sees the file: %v", err)
	}
}

func TestLocalClientRejectsEscapes(t *testing.T) {
	c, err := NewLocalClient(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalClient: %v", err)
	}
	ctx := context.Background()

	for _, path := range []string{"../outside.txt", "../../etc/passwd", "a/../../b"} {
		if err := c.WriteFile(ctx, "proj-1", path, []byte("x")); err == nil {
			t.Errorf("write to %q did not fail", path)
		} else if !strings.Contains(err.Error(), "escapes the sandbox") {
			t.Errorf("write to %q: %v", path, err)
		}
	}

	if _, err := c.ReadFile(ctx, "", "a.txt"); err == nil {
		t.Error("empty project id accepted")
	}
}

func TestLocalClientRunCommand(t *testing.T) {
	c, err := NewLocalClient(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalClient: %v", err)
	}
	ctx := context.Background()

	ok, err := c.RunCommand(ctx, "proj-1", "echo hello")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if ok.ExitCode != 0 || ok.Stdout != "hello\n" {
		t.Errorf("echo result: %+v", ok)
	}

	fail, err := c.RunCommand(ctx, "proj-1", "echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if fail.ExitCode != 3 || fail.Stderr != "oops\n" {
		t.Errorf("failing command result: %+v", fail)
	}

	// Commands run inside the project directory.
	if err := c.WriteFile(ctx, "proj-1", "marker.txt", []byte("here")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ls, err := c.RunCommand(ctx, "proj-1", "cat marker.txt")
	if err != nil || ls.Stdout != "here" {
		t.Errorf("cwd check: %+v (%v)", ls, err)
	}
}

func TestProjectContext(t *testing.T) {
	ctx := WithProject(context.Background(), "proj-9")
	if got := ProjectFrom(ctx); got != "proj-9" {
		t.Errorf("ProjectFrom = %q", got)
	}
	if got := ProjectFrom(context.Background()); got != "" {
		t.Errorf("ProjectFrom on empty context = %q", got)
	}
}
