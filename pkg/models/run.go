package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of an agent run. Transitions are monotonic
// through pending -> running -> {completed | stopped | failed}; a run reaches
// a terminal state exactly once.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunStopped, RunFailed:
		return true
	default:
		return false
	}
}

// rank orders statuses along the lattice for monotonicity checks. All
// terminal states share a rank; moving between them is not allowed.
func (s RunStatus) rank() int {
	switch s {
	case RunPending:
		return 0
	case RunRunning:
		return 1
	case RunCompleted, RunStopped, RunFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next respects the status
// lattice. Re-asserting the current status is allowed (idempotent updates);
// changing one terminal state into another is not.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// AgentRun is one end-to-end execution of the agent loop on a thread.
type AgentRun struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	ModelName   string     `json:"model_name,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ReasoningEffort selects how much reasoning budget the model should spend.
type ReasoningEffort string

const (
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// RunSubmission is the JSON envelope delivered on the work queue for each
// accepted run. Unknown fields are ignored on decode.
type RunSubmission struct {
	AgentRunID           string          `json:"agent_run_id"`
	ThreadID             string          `json:"thread_id"`
	ProjectID            string          `json:"project_id,omitempty"`
	ModelName            string          `json:"model_name"`
	EnableThinking       bool            `json:"enable_thinking"`
	ReasoningEffort      ReasoningEffort `json:"reasoning_effort,omitempty"`
	Stream               bool            `json:"stream"`
	EnableContextManager bool            `json:"enable_context_manager"`
	UserID               string          `json:"user_id"`
}

// DecodeRunSubmission parses a queue envelope, tolerating unknown fields.
func DecodeRunSubmission(data []byte) (*RunSubmission, error) {
	var sub RunSubmission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
