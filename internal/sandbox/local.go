package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LocalClient implements Client against the local filesystem, rooted at a
// base directory with one subdirectory per project. It backs the one-shot
// local run mode and tests; production deployments point the loop at a remote
// execution service instead.
type LocalClient struct {
	root string

	// shell runs commands; defaults to /bin/sh.
	shell string
}

// NewLocalClient creates a client rooted at dir, creating it if needed.
func NewLocalClient(dir string) (*LocalClient, error) {
	if dir == "" {
		return nil, fmt.Errorf("sandbox root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	return &LocalClient{root: dir, shell: "/bin/sh"}, nil
}

// resolve maps a sandbox-relative path onto the project directory, rejecting
// escapes from the project root.
func (c *LocalClient) resolve(projectID, path string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("project id is required")
	}
	base := filepath.Join(c.root, projectID)
	full := filepath.Join(base, filepath.Clean("/"+path))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sandbox", path)
	}
	return full, nil
}

func (c *LocalClient) ReadFile(ctx context.Context, projectID, path string) ([]byte, error) {
	full, err := c.resolve(projectID, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (c *LocalClient) WriteFile(ctx context.Context, projectID, path string, data []byte) error {
	full, err := c.resolve(projectID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (c *LocalClient) RunCommand(ctx context.Context, projectID, command string) (*CommandResult, error) {
	dir := filepath.Join(c.root, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.shell, "-c", command)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, err
	}
	return result, nil
}
