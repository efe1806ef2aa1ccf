package sse

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestInMemoryBus_PublishAndUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()

	var received []string
	sub, err := bus.Subscribe(context.Background(), "lobby", func(e Event) {
		received = append(received, e.ID)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), Event{ID: "1", Channel: "lobby"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), Event{ID: "x", Channel: "other"}); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if len(received) != 1 || received[0] != "1" {
		t.Fatalf("unexpected received events: %+v", received)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close subscription: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close subscription idempotency: %v", err)
	}

	if err := bus.Publish(context.Background(), Event{ID: "2", Channel: "lobby"}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected no new events after unsubscribe, got %+v", received)
	}
}

func TestRedisBus_ValidationAndDefaults(t *testing.T) {
	if _, err := DialRedisBus("", RedisBusConfig{}); err == nil {
		t.Fatal("expected error for empty redis url")
	}
	if _, err := DialRedisBus("not-a-url", RedisBusConfig{}); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
	if _, err := NewRedisBus(nil, RedisBusConfig{}); err == nil {
		t.Fatal("expected error for nil client")
	}

	bus, err := DialRedisBus("redis://localhost:6379/0", RedisBusConfig{})
	if err != nil {
		t.Fatalf("dial redis bus: %v", err)
	}
	defer bus.Close()

	if bus.prefix != DefaultRedisPrefix {
		t.Fatalf("expected default prefix %s, got %q", DefaultRedisPrefix, bus.prefix)
	}
	if got := bus.key("lobby"); got != DefaultRedisPrefix+":lobby" {
		t.Fatalf("unexpected channel key %q", got)
	}
}

func TestRedisBus_DoesNotCloseBorrowedClient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	bus, err := NewRedisBus(client, RedisBusConfig{Prefix: "test"})
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close bus: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("client should still be open, got %v", err)
	}
}
