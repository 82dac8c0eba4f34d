// Package sandbox is the narrow client for the per-project execution
// environment: reading and writing files by path and running commands. The
// core treats provisioning as external; a sandbox is addressed by the owning
// project id.
package sandbox

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested file does not exist in the sandbox.
var ErrNotFound = errors.New("sandbox: file not found")

// CommandResult is the outcome of one command execution.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Client is the execution-service contract the agent loop consumes.
type Client interface {
	// ReadFile returns the contents of path inside the project's sandbox.
	ReadFile(ctx context.Context, projectID, path string) ([]byte, error)

	// WriteFile creates or replaces path with data.
	WriteFile(ctx context.Context, projectID, path string, data []byte) error

	// RunCommand executes a shell command and returns its outcome. A non-zero
	// exit code is reported in the result, not as an error.
	RunCommand(ctx context.Context, projectID, command string) (*CommandResult, error)
}
