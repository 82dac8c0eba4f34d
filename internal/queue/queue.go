// Package queue moves run submissions between the API tier and worker
// processes. The transport is a Redis list: producers push JSON envelopes,
// workers block-pop them. Delivery is at-least-once; the run lease makes
// duplicate delivery harmless.
package queue

import (
	"context"

	"github.com/loomlabs/loom/pkg/models"
)

// Handler processes one dequeued submission. It is called on its own
// goroutine and should block until the run reaches a terminal state.
type Handler func(ctx context.Context, sub *models.RunSubmission) error

// Producer enqueues run submissions.
type Producer interface {
	Enqueue(ctx context.Context, sub *models.RunSubmission) error
}

// Consumer dequeues submissions and dispatches them to a handler until the
// context is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
