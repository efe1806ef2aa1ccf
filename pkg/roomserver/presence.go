package roomserver

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter tracks how many subscribers each room has. Rooms at zero are
// removed so All only lists occupied rooms.
type Counter interface {
	Incr(ctx context.Context, room string) (int, error)
	Decr(ctx context.Context, room string) (int, error)
	All(ctx context.Context) (map[string]int, error)
}

// MemoryCounter counts subscribers of one process.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

func (c *MemoryCounter) Incr(_ context.Context, room string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[room]++
	return c.counts[room], nil
}

func (c *MemoryCounter) Decr(_ context.Context, room string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[room] - 1
	if n <= 0 {
		delete(c.counts, room)
		return 0, nil
	}
	c.counts[room] = n
	return n, nil
}

func (c *MemoryCounter) All(_ context.Context) (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for room, n := range c.counts {
		out[room] = n
	}
	return out, nil
}

// RedisCounter keeps the counts in one Redis hash shared by every server
// instance.
type RedisCounter struct {
	client    redis.UniversalClient
	key       string
	opTimeout time.Duration
}

// NewRedisCounter stores counts under "<prefix>:presence". It borrows client.
func NewRedisCounter(client redis.UniversalClient, prefix string, opTimeout time.Duration) *RedisCounter {
	if prefix == "" {
		prefix = "chatstream"
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &RedisCounter{client: client, key: prefix + ":presence", opTimeout: opTimeout}
}

func (c *RedisCounter) Incr(ctx context.Context, room string) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	n, err := c.client.HIncrBy(opCtx, c.key, room, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment presence for %s: %w", room, err)
	}
	return int(n), nil
}

func (c *RedisCounter) Decr(ctx context.Context, room string) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	n, err := c.client.HIncrBy(opCtx, c.key, room, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("decrement presence for %s: %w", room, err)
	}
	if n <= 0 {
		if err := c.client.HDel(opCtx, c.key, room).Err(); err != nil {
			return 0, fmt.Errorf("clear presence for %s: %w", room, err)
		}
		return 0, nil
	}
	return int(n), nil
}

func (c *RedisCounter) All(ctx context.Context) (map[string]int, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	raw, err := c.client.HGetAll(opCtx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	out := make(map[string]int, len(raw))
	for room, value := range raw {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			continue
		}
		out[room] = n
	}
	return out, nil
}
