package agent

import (
	"context"
	"log/slog"

	"github.com/loomlabs/loom/internal/pubsub"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/pkg/models"
)

// Emitter writes a run's event frames: each frame is persisted as a status
// message first and then published on the run's event channel, so subscribers
// and the replay list observe frames in commit order.
//
// A publish failure is logged and swallowed; persistence failures surface to
// the caller.
type Emitter struct {
	store    store.Store
	bus      pubsub.Bus
	runID    string
	threadID string
	logger   *slog.Logger
}

// NewEmitter binds an emitter to one run.
func NewEmitter(st store.Store, bus pubsub.Bus, runID, threadID string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: st, bus: bus, runID: runID, threadID: threadID, logger: logger}
}

// RunID returns the run this emitter serves.
func (e *Emitter) RunID() string { return e.runID }

// withRunID stamps thread_run_id into frame metadata.
func (e *Emitter) withRunID(metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["thread_run_id"] = e.runID
	return metadata
}

// EmitStatus persists and publishes a status frame.
func (e *Emitter) EmitStatus(ctx context.Context, statusType, text string, metadata map[string]any) error {
	metadata = e.withRunID(metadata)
	metadata["status_type"] = statusType

	msg := &models.Message{
		Type:         models.MessageStatus,
		IsLLMMessage: false,
		Content:      models.TextContent(text),
		Metadata:     metadata,
	}
	if _, err := e.store.AppendMessage(ctx, e.threadID, msg); err != nil {
		return WrapErr(Classify(err), "emit.status", err)
	}

	frame := models.StatusFrame(statusType, text, metadata)
	e.publish(ctx, frame)
	return nil
}

// EmitMessage publishes an already persisted message as an event frame.
func (e *Emitter) EmitMessage(ctx context.Context, msg *models.Message, eventType models.EventType, role string) {
	frame := models.EventFrame{
		Type:     eventType,
		Role:     role,
		Content:  msg.Content,
		Metadata: e.withRunID(cloneMetadata(msg.Metadata)),
	}
	e.publish(ctx, frame)
}

// PublishFrame publishes a frame without persisting anything; used for
// streaming deltas and the final run-status frame.
func (e *Emitter) PublishFrame(ctx context.Context, frame models.EventFrame) {
	frame.Metadata = e.withRunID(frame.Metadata)
	e.publish(ctx, frame)
}

func (e *Emitter) publish(ctx context.Context, frame models.EventFrame) {
	if err := e.bus.PublishEvent(ctx, e.runID, frame.Encode()); err != nil {
		e.logger.Warn("failed to publish event frame",
			"run_id", e.runID, "type", frame.Type, "status_type", frame.StatusType, "error", err)
	}
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
