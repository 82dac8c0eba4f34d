package models

import "testing"

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunPending, RunRunning, true},
		{RunPending, RunCompleted, true},
		{RunPending, RunFailed, true},
		{RunRunning, RunCompleted, true},
		{RunRunning, RunStopped, true},
		{RunRunning, RunFailed, true},
		{RunRunning, RunRunning, true},
		{RunRunning, RunPending, false},
		{RunCompleted, RunFailed, false},
		{RunCompleted, RunRunning, false},
		{RunStopped, RunCompleted, false},
		{RunFailed, RunFailed, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunCompleted, RunStopped, RunFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunPending, RunRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDecodeRunSubmissionIgnoresUnknownFields(t *testing.T) {
	payload := `{
		"agent_run_id": "11111111-1111-1111-1111-111111111111",
		"thread_id": "22222222-2222-2222-2222-222222222222",
		"project_id": null,
		"model_name": "gpt-4o",
		"enable_thinking": true,
		"reasoning_effort": "high",
		"stream": true,
		"enable_context_manager": true,
		"user_id": "33333333-3333-3333-3333-333333333333",
		"some_future_field": {"nested": 1}
	}`
	sub, err := DecodeRunSubmission([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.ModelName != "gpt-4o" || !sub.EnableThinking || sub.ReasoningEffort != ReasoningHigh {
		t.Errorf("decoded = %+v", sub)
	}
	if sub.ProjectID != "" {
		t.Errorf("null project_id should decode empty, got %q", sub.ProjectID)
	}
}
