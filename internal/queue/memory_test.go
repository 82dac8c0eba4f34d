package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomlabs/loom/pkg/models"
)

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *models.RunSubmission, 4)
	go q.Consume(ctx, func(ctx context.Context, sub *models.RunSubmission) error {
		received <- sub
		return nil
	})

	want := &models.RunSubmission{AgentRunID: "run-1", ThreadID: "thread-1", ModelName: "gpt-4o"}
	if err := q.Enqueue(ctx, want); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case got := <-received:
		if got.AgentRunID != "run-1" || got.ThreadID != "thread-1" {
			t.Errorf("unexpected submission: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submission never delivered")
	}
}

func TestMemoryQueueConsumeStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(ctx context.Context, sub *models.RunSubmission) error {
			return nil
		})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Consume returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not stop on cancel")
	}
}

func TestDecodeRunSubmissionTolerant(t *testing.T) {
	sub, err := models.DecodeRunSubmission([]byte(
		`{"agent_run_id":"r","thread_id":"t","model_name":"gpt-4o","future_field":true}`))
	if err != nil {
		t.Fatalf("DecodeRunSubmission: %v", err)
	}
	if sub.AgentRunID != "r" || sub.ThreadID != "t" {
		t.Errorf("unexpected submission: %+v", sub)
	}
}
