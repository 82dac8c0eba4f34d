// Package billing is the usage-accounting collaborator. The core reports
// LLM usage fire-and-forget; failures never affect the run.
package billing

import (
	"context"
	"log/slog"
	"time"
)

// Usage is one completed LLM call attributed to a user and run.
type Usage struct {
	UserID           string
	RunID            string
	StartedAt        time.Time
	EndedAt          time.Time
	Model            string
	PromptTokens     int
	CompletionTokens int

	// Estimated is set when token counts are heuristic rather than
	// provider-reported.
	Estimated bool
}

// Recorder receives usage records. Implementations must not block the caller
// for long and must tolerate duplicate delivery.
type Recorder interface {
	RecordUsage(ctx context.Context, u Usage)
}

// LogRecorder writes usage to the structured log; the default when no billing
// backend is configured.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a recorder over the given logger.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) RecordUsage(ctx context.Context, u Usage) {
	r.logger.Info("llm usage",
		"user_id", u.UserID,
		"run_id", u.RunID,
		"model", u.Model,
		"prompt_tokens", u.PromptTokens,
		"completion_tokens", u.CompletionTokens,
		"estimated", u.Estimated,
		"duration_ms", u.EndedAt.Sub(u.StartedAt).Milliseconds(),
	)
}
