// Package pubsub provides the streaming and control-signal fabric for agent
// runs: per-run event channels fanned out to any number of subscribers, a
// bounded replay list for late subscribers, targeted control channels, and
// TTL-bound leases granting one worker instance the right to advance a run.
package pubsub

import (
	"context"
	"fmt"
	"time"
)

// Control signals delivered on a run's control channels.
const (
	SignalStop  = "STOP"
	SignalError = "ERROR"
)

// Default TTLs; overridable through config.
const (
	DefaultLeaseTTL  = time.Hour
	DefaultReplayTTL = 24 * time.Hour
)

// EventChannel names the pub/sub channel carrying a run's event frames.
func EventChannel(runID string) string {
	return fmt.Sprintf("run:%s:events", runID)
}

// ControlChannel names the global control channel for a run.
func ControlChannel(runID string) string {
	return fmt.Sprintf("run:%s:control", runID)
}

// InstanceControlChannel names the control channel targeted at one worker
// instance.
func InstanceControlChannel(runID, instanceID string) string {
	return fmt.Sprintf("run:%s:control:%s", runID, instanceID)
}

// LeaseKey names the key registering instanceID as the holder of runID.
func LeaseKey(instanceID, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instanceID, runID)
}

// RunLockKey names the run-scoped mutual-exclusion key; its value is the
// holding instance id.
func RunLockKey(runID string) string {
	return fmt.Sprintf("active_run_lock:%s", runID)
}

// ReplayKey names the bounded list retaining a run's event frames for
// replay.
func ReplayKey(runID string) string {
	return fmt.Sprintf("run:%s:responses", runID)
}

// Subscription is a live feed of payloads from one channel. Close releases
// the subscription; the channel is closed afterwards.
type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

// Bus is the cross-process pub/sub and lease abstraction. Publication is
// at-least-once to live subscribers; the replay list preserves order and is
// bounded by TTL. No exactly-once claim is made.
type Bus interface {
	// Publish delivers payload to all current subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a feed of payloads on channel. The feed ends when the
	// subscription is closed or ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// PublishEvent publishes an event frame on the run's event channel and
	// appends it to the replay list with the configured TTL.
	PublishEvent(ctx context.Context, runID string, payload []byte) error

	// Replay returns the retained event frames for a run starting at
	// fromOffset (0 = from the beginning), in publication order.
	Replay(ctx context.Context, runID string, fromOffset int64) ([][]byte, error)

	// SendControl publishes a control signal for a run. With instanceID
	// empty the signal goes to the global channel, otherwise to the
	// instance-targeted one.
	SendControl(ctx context.Context, runID, signal, instanceID string) error

	// AcquireLease attempts to claim the run lease for this instance.
	// Returns false without error when another instance holds it.
	AcquireLease(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error)

	// RefreshLease extends a held lease. Returns false when the lease is no
	// longer held by this instance.
	RefreshLease(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease if held by this instance.
	ReleaseLease(ctx context.Context, runID, instanceID string) error
}
