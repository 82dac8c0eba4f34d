package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomlabs/loom/pkg/models"
)

// popTimeout bounds each BLPOP so the consumer notices context cancellation
// promptly.
const popTimeout = 5 * time.Second

// RedisQueue implements Producer and Consumer on a Redis list. RPUSH on
// enqueue, BLPOP on dequeue; an envelope popped by a crashing worker is lost,
// which the submitting tier handles by re-submitting stuck pending runs.
type RedisQueue struct {
	client      *redis.Client
	key         string
	concurrency int
	logger      *slog.Logger
}

// RedisQueueConfig configures the queue. Key names the list.
type RedisQueueConfig struct {
	Addr        string
	Password    string
	DB          int
	Key         string
	Concurrency int
	Logger      *slog.Logger
}

// NewRedisQueue connects to Redis and verifies connectivity.
func NewRedisQueue(ctx context.Context, config RedisQueueConfig) (*RedisQueue, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisQueueFromClient(client, config), nil
}

// NewRedisQueueFromClient wraps an existing client, primarily for tests.
func NewRedisQueueFromClient(client *redis.Client, config RedisQueueConfig) *RedisQueue {
	if config.Key == "" {
		config.Key = "agent_run_queue"
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &RedisQueue{
		client:      client,
		key:         config.Key,
		concurrency: config.Concurrency,
		logger:      config.Logger,
	}
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) Enqueue(ctx context.Context, sub *models.RunSubmission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode run submission: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue run %s: %w", sub.AgentRunID, err)
	}
	return nil
}

// Consume pops submissions until ctx is cancelled, running up to the
// configured number of handlers concurrently. Undecodable envelopes are
// logged and dropped. Returns after in-flight handlers finish.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	slots := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		vals, err := q.client.BLPop(ctx, popTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("queue pop failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		// BLPop returns [key, value].
		if len(vals) != 2 {
			continue
		}

		sub, err := models.DecodeRunSubmission([]byte(vals[1]))
		if err != nil {
			q.logger.Error("dropping undecodable run submission", "error", err)
			continue
		}
		if sub.AgentRunID == "" || sub.ThreadID == "" {
			q.logger.Error("dropping run submission without run or thread id")
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(sub *models.RunSubmission) {
			defer wg.Done()
			defer func() { <-slots }()
			if err := handler(ctx, sub); err != nil {
				q.logger.Error("run handler failed",
					"run_id", sub.AgentRunID, "thread_id", sub.ThreadID, "error", err)
			}
		}(sub)
	}
}
