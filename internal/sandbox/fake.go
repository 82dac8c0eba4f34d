package sandbox

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for tests: files live in a map keyed by
// project/path and commands are answered from a scripted table.
type Fake struct {
	mu       sync.Mutex
	files    map[string][]byte
	commands map[string]*CommandResult
}

// NewFake creates an empty fake sandbox.
func NewFake() *Fake {
	return &Fake{
		files:    map[string][]byte{},
		commands: map[string]*CommandResult{},
	}
}

func (f *Fake) key(projectID, path string) string { return projectID + "\x00" + path }

// Seed places a file into the fake.
func (f *Fake) Seed(projectID, path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[f.key(projectID, path)] = append([]byte(nil), data...)
}

// Script sets the result returned for a command.
func (f *Fake) Script(command string, result *CommandResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[command] = result
}

func (f *Fake) ReadFile(ctx context.Context, projectID, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[f.key(projectID, path)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) WriteFile(ctx context.Context, projectID, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[f.key(projectID, path)] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) RunCommand(ctx context.Context, projectID, command string) (*CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.commands[command]; ok {
		return result, nil
	}
	return &CommandResult{ExitCode: 0}, nil
}
