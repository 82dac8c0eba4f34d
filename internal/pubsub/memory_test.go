package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "chan-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "chan-1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Channel():
		if string(got) != "hello" {
			t.Errorf("payload = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
	}
}

func TestMemoryBusSubscribeCancellation(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := bus.Subscribe(ctx, "chan-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub.Channel():
		if ok {
			t.Error("channel should be closed after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}

func TestMemoryBusReplayOrderAndOffset(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		if err := bus.PublishEvent(ctx, "run-1", []byte(p)); err != nil {
			t.Fatalf("publish event: %v", err)
		}
	}

	all, err := bus.Replay(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(all) != 3 || string(all[0]) != "a" || string(all[2]) != "c" {
		t.Errorf("replay = %v", all)
	}

	tail, err := bus.Replay(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("replay offset: %v", err)
	}
	if len(tail) != 1 || string(tail[0]) != "c" {
		t.Errorf("replay from 2 = %v", tail)
	}

	none, _ := bus.Replay(ctx, "run-1", 99)
	if len(none) != 0 {
		t.Errorf("replay past end = %v", none)
	}
}

func TestMemoryBusLeaseExclusivity(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ok, err := bus.AcquireLease(ctx, "run-1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}

	// A second instance must not get the same run.
	ok, err = bus.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("second instance should not acquire a held lease")
	}

	// A different run is independent.
	ok, _ = bus.AcquireLease(ctx, "run-2", "worker-b", time.Minute)
	if !ok {
		t.Error("lease on a different run should succeed")
	}

	// Refresh works for the holder, not for others.
	ok, _ = bus.RefreshLease(ctx, "run-1", "worker-a", time.Minute)
	if !ok {
		t.Error("holder refresh should succeed")
	}
	ok, _ = bus.RefreshLease(ctx, "run-1", "worker-b", time.Minute)
	if ok {
		t.Error("non-holder refresh should fail")
	}

	// Release frees the run for the next instance.
	if err := bus.ReleaseLease(ctx, "run-1", "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = bus.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
	if !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestMemoryBusLeaseExpiry(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ok, _ := bus.AcquireLease(ctx, "run-1", "worker-a", 10*time.Millisecond)
	if !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(20 * time.Millisecond)

	ok, _ = bus.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
	if !ok {
		t.Error("expired lease should be claimable by another instance")
	}
}

func TestMemoryBusControlChannels(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	global, _ := bus.Subscribe(ctx, ControlChannel("run-1"))
	targeted, _ := bus.Subscribe(ctx, InstanceControlChannel("run-1", "worker-a"))
	defer global.Close()
	defer targeted.Close()

	if err := bus.SendControl(ctx, "run-1", SignalStop, ""); err != nil {
		t.Fatalf("send global: %v", err)
	}
	select {
	case got := <-global.Channel():
		if string(got) != SignalStop {
			t.Errorf("global signal = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("global control signal not delivered")
	}

	if err := bus.SendControl(ctx, "run-1", SignalStop, "worker-a"); err != nil {
		t.Fatalf("send targeted: %v", err)
	}
	select {
	case got := <-targeted.Channel():
		if string(got) != SignalStop {
			t.Errorf("targeted signal = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("targeted control signal not delivered")
	}
}
