package queue

import (
	"context"
	"log/slog"

	"github.com/loomlabs/loom/pkg/models"
)

// MemoryQueue is a channel-backed queue for tests and single-process mode.
type MemoryQueue struct {
	ch     chan *models.RunSubmission
	logger *slog.Logger
}

// NewMemoryQueue creates a queue with the given buffer size.
func NewMemoryQueue(buffer int, logger *slog.Logger) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{ch: make(chan *models.RunSubmission, buffer), logger: logger}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, sub *models.RunSubmission) error {
	select {
	case q.ch <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume handles submissions one at a time until ctx is cancelled.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-q.ch:
			if err := handler(ctx, sub); err != nil {
				q.logger.Error("run handler failed", "run_id", sub.AgentRunID, "error", err)
			}
		}
	}
}
