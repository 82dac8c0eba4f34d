package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomlabs/loom/pkg/models"
)

// Sentinel errors for store operations. Callers classify failures with
// errors.Is; backends wrap driver errors around these.
var (
	// ErrNotFound indicates the referenced thread, run, account, or project
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a rejected non-monotonic run status change.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable indicates the backing store is temporarily unreachable.
	// Operations hitting it are retried with backoff inside the store.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the durable append-only log of messages per thread, plus thread
// and agent-run metadata. Every write is durable before return; readers see
// their own writes. Concurrent appends to one thread are serialized by the
// backend and ordered by commit time.
type Store interface {
	// CreateThread persists a new thread. It fails with ErrNotFound if the
	// referenced account or project does not exist, unless accountID is the
	// sentinel models.DemoAccountID.
	CreateThread(ctx context.Context, projectID, accountID string) (*models.Thread, error)

	// GetThread returns a thread by id.
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)

	// DeleteThread removes a thread and cascades to its messages.
	DeleteThread(ctx context.Context, threadID string) error

	// AppendMessage assigns id and timestamp and persists the message.
	// Content is serialized verbatim, string or structured parts.
	AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error)

	// ListMessages returns all messages of a thread ordered by creation
	// timestamp, insertion order as tiebreaker.
	ListMessages(ctx context.Context, threadID string) ([]*models.Message, error)

	// ListLLMMessages returns the LLM-visible prompt history: messages with
	// IsLLMMessage set, trimmed to the most recent summary message (if any)
	// plus everything created strictly after it.
	ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error)

	// DeleteMessagesByType removes all messages of the given type from a
	// thread and returns how many were deleted.
	DeleteMessagesByType(ctx context.Context, threadID string, typ models.MessageType) (int, error)

	// CreateRun persists a new agent run in pending state.
	CreateRun(ctx context.Context, run *models.AgentRun) error

	// GetRun returns a run by id.
	GetRun(ctx context.Context, runID string) (*models.AgentRun, error)

	// SetRunStatus atomically updates a run's status, enforcing the
	// monotonic lattice. errText and completedAt may be nil. A rejected
	// transition returns ErrConflict.
	SetRunStatus(ctx context.Context, runID string, status models.RunStatus, errText *string, completedAt *time.Time) error
}

// trimToLatestSummary keeps only the most recent summary message plus
// everything after it. Input must already be ordered.
func trimToLatestSummary(msgs []*models.Message) []*models.Message {
	last := -1
	for i, m := range msgs {
		if m.Type == models.MessageSummary {
			last = i
		}
	}
	if last < 0 {
		return msgs
	}
	return msgs[last:]
}

// retryConfig bounds the transient-error retry loop shared by the SQL
// backends.
type retryConfig struct {
	attempts int
	backoff  time.Duration
}

var defaultRetry = retryConfig{attempts: 3, backoff: 200 * time.Millisecond}

// withRetry runs fn, retrying on ErrUnavailable with linear backoff. Other
// errors surface immediately.
func withRetry(ctx context.Context, rc retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < rc.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rc.backoff * time.Duration(attempt)):
			}
		}
		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}
