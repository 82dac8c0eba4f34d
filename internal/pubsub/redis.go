package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis: PUBLISH/SUBSCRIBE for live delivery,
// RPUSH/LRANGE with TTL for replay, SET NX with TTL for leases.
type RedisBus struct {
	client    *redis.Client
	replayTTL time.Duration
	logger    *slog.Logger
}

// RedisConfig holds connection settings for the bus.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	ReplayTTL time.Duration
}

// NewRedisBus connects to Redis and verifies connectivity.
func NewRedisBus(ctx context.Context, config *RedisConfig, logger *slog.Logger) (*RedisBus, error) {
	if config == nil || config.Addr == "" {
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
	replayTTL := config.ReplayTTL
	if replayTTL <= 0 {
		replayTTL = DefaultReplayTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, replayTTL: replayTTL, logger: logger}, nil
}

// NewRedisBusFromClient wraps an existing client, primarily for tests.
func NewRedisBusFromClient(client *redis.Client, replayTTL time.Duration, logger *slog.Logger) *RedisBus {
	if replayTTL <= 0 {
		replayTTL = DefaultReplayTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, replayTTL: replayTTL, logger: logger}
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
	cancel context.CancelFunc
}

func (s *redisSubscription) Channel() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round trip so errors surface here, not on first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, 64),
		cancel: cancel,
	}

	go func() {
		defer close(sub.out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case sub.out <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (b *RedisBus) PublishEvent(ctx context.Context, runID string, payload []byte) error {
	key := ReplayKey(runID)
	pipe := b.client.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, b.replayTTL)
	pipe.Publish(ctx, EventChannel(runID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event for run %s: %w", runID, err)
	}
	return nil
}

func (b *RedisBus) Replay(ctx context.Context, runID string, fromOffset int64) ([][]byte, error) {
	if fromOffset < 0 {
		fromOffset = 0
	}
	vals, err := b.client.LRange(ctx, ReplayKey(runID), fromOffset, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (b *RedisBus) SendControl(ctx context.Context, runID, signal, instanceID string) error {
	channel := ControlChannel(runID)
	if instanceID != "" {
		channel = InstanceControlChannel(runID, instanceID)
	}
	return b.client.Publish(ctx, channel, signal).Err()
}

// AcquireLease takes the run-scoped lock and, on success, registers the
// instance-specific lease key alongside it.
func (b *RedisBus) AcquireLease(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	ok, err := b.client.SetNX(ctx, RunLockKey(runID), instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for run %s: %w", runID, err)
	}
	if !ok {
		return false, nil
	}
	if err := b.client.Set(ctx, LeaseKey(instanceID, runID), instanceID, ttl).Err(); err != nil {
		b.client.Del(ctx, RunLockKey(runID))
		return false, fmt.Errorf("failed to register lease for run %s: %w", runID, err)
	}
	return true, nil
}

func (b *RedisBus) RefreshLease(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	holder, err := b.client.Get(ctx, RunLockKey(runID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if holder != instanceID {
		return false, nil
	}
	pipe := b.client.Pipeline()
	lockOK := pipe.Expire(ctx, RunLockKey(runID), ttl)
	pipe.Expire(ctx, LeaseKey(instanceID, runID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return lockOK.Val(), nil
}

func (b *RedisBus) ReleaseLease(ctx context.Context, runID, instanceID string) error {
	holder, err := b.client.Get(ctx, RunLockKey(runID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err == nil && holder != instanceID {
		b.logger.Warn("lease held by another instance on release",
			"run_id", runID, "instance_id", instanceID, "holder", holder)
		return b.client.Del(ctx, LeaseKey(instanceID, runID)).Err()
	}
	return b.client.Del(ctx, RunLockKey(runID), LeaseKey(instanceID, runID)).Err()
}
