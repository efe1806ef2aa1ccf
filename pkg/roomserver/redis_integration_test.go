package roomserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/chatstream/pkg/chat"
	"github.com/nimburion/chatstream/pkg/realtime/sse"
	"github.com/nimburion/chatstream/pkg/testutil"
)

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()
	testutil.RequireIntegration(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
		),
	)
	testutil.SkipUnlessStarted(t, "redis container", err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	opts, err := goredis.ParseURL(connStr)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newRedisServer(t *testing.T, client *goredis.Client) *httptest.Server {
	t.Helper()
	bus, err := sse.NewRedisBus(client, sse.RedisBusConfig{Prefix: "it:bus"})
	if err != nil {
		t.Fatalf("redis bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	s := New(Config{}, bus, NewRedisCounter(client, "it", time.Second), nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return srv
}

func TestRedisCounter_Integration(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	c := NewRedisCounter(client, "counter-it", time.Second)

	if n, err := c.Incr(ctx, "lobby"); err != nil || n != 1 {
		t.Fatalf("incr: %d, %v", n, err)
	}
	if n, err := c.Incr(ctx, "lobby"); err != nil || n != 2 {
		t.Fatalf("incr: %d, %v", n, err)
	}
	if _, err := c.Incr(ctx, "games"); err != nil {
		t.Fatalf("incr games: %v", err)
	}
	if n, err := c.Decr(ctx, "games"); err != nil || n != 0 {
		t.Fatalf("decr: %d, %v", n, err)
	}

	all, err := c.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || all["lobby"] != 2 {
		t.Fatalf("unexpected counts %v", all)
	}
}

func TestRedisBus_FansOutAcrossServers(t *testing.T) {
	client := startRedis(t)
	a := newRedisServer(t, client)
	b := newRedisServer(t, client)

	conn := sse.Dial(context.Background(), a.URL+"/rooms/lobby?user_id=u1&user_name=Alice", sse.DialConfig{})
	defer conn.Close()
	if evt := nextChat(t, conn); evt.Type != chat.TypeUserJoin {
		t.Fatalf("expected own join first, got %+v", evt)
	}

	resp := postMessage(t, b.URL, "lobby", `{"sender_id":"u2","sender":"Bob","message":"from b"}`)
	resp.Body.Close()

	evt := nextChat(t, conn)
	if evt.Type != chat.TypeMessage || evt.Message != "from b" || evt.Sender != "Bob" {
		t.Fatalf("unexpected event %+v", evt)
	}
}
