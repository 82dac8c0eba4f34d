package pubsub

import (
	"context"
	"sync"
	"time"
)

// MemoryBus provides an in-process Bus implementation for tests and the
// one-shot local run mode. Replay lists are bounded by count rather than TTL.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]*memorySubscription
	events map[string][][]byte
	leases map[string]memoryLease

	// maxReplay bounds each run's replay list.
	maxReplay int
}

type memoryLease struct {
	holder  string
	expires time.Time
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *memorySubscription) Channel() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.out)
	})
	return nil
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:      map[string][]*memorySubscription{},
		events:    map[string][][]byte{},
		leases:    map[string]memoryLease{},
		maxReplay: 10000,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*memorySubscription(nil), b.subs[channel]...)
	b.mu.Unlock()

	for _, sub := range subs {
		// Non-blocking: a stalled subscriber drops frames rather than
		// wedging the publisher, matching at-least-once-to-live semantics.
		select {
		case sub.out <- payload:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		out:     make(chan []byte, 256),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

func (b *MemoryBus) PublishEvent(ctx context.Context, runID string, payload []byte) error {
	b.mu.Lock()
	list := b.events[runID]
	if len(list) < b.maxReplay {
		stored := append([]byte(nil), payload...)
		b.events[runID] = append(list, stored)
	}
	b.mu.Unlock()
	return b.Publish(ctx, EventChannel(runID), payload)
}

func (b *MemoryBus) Replay(ctx context.Context, runID string, fromOffset int64) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.events[runID]
	if fromOffset < 0 {
		fromOffset = 0
	}
	if fromOffset >= int64(len(list)) {
		return nil, nil
	}
	out := make([][]byte, 0, int64(len(list))-fromOffset)
	for _, payload := range list[fromOffset:] {
		out = append(out, append([]byte(nil), payload...))
	}
	return out, nil
}

func (b *MemoryBus) SendControl(ctx context.Context, runID, signal, instanceID string) error {
	channel := ControlChannel(runID)
	if instanceID != "" {
		channel = InstanceControlChannel(runID, instanceID)
	}
	return b.Publish(ctx, channel, []byte(signal))
}

func (b *MemoryBus) AcquireLease(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := LeaseKey(instanceID, runID)
	// A lease key embeds the instance, but exclusivity is per run: scan for
	// any live lease on this run held by anyone.
	now := time.Now()
	for k, lease := range b.leases {
		if lease.expires.Before(now) {
			delete(b.leases, k)
			continue
		}
		if k != key && leaseRunID(k) == runID {
			return false, nil
		}
	}
	if existing, ok := b.leases[key]; ok && existing.expires.After(now) {
		return false, nil
	}
	b.leases[key] = memoryLease{holder: instanceID, expires: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBus) RefreshLease(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := LeaseKey(instanceID, runID)
	lease, ok := b.leases[key]
	if !ok || lease.expires.Before(time.Now()) {
		delete(b.leases, key)
		return false, nil
	}
	lease.expires = time.Now().Add(ttl)
	b.leases[key] = lease
	return true, nil
}

func (b *MemoryBus) ReleaseLease(ctx context.Context, runID, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.leases, LeaseKey(instanceID, runID))
	return nil
}

// leaseRunID extracts the run id from a lease key
// ("active_run:{instance}:{run}"). Instance ids never contain colons.
func leaseRunID(key string) string {
	const prefix = "active_run:"
	if len(key) <= len(prefix) {
		return ""
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[i+1:]
		}
	}
	return ""
}
