package roomserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/chatstream/pkg/chat"
	"github.com/nimburion/chatstream/pkg/health"
	"github.com/nimburion/chatstream/pkg/presence"
	"github.com/nimburion/chatstream/pkg/realtime/sse"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, nil, nil, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, srv
}

func decodeMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body jsonMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body.Message
}

func postMessage(t *testing.T, base, room, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+"/messages/"+room, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

// nextData returns the data of the next pushed record, skipping the open notification.
func nextData(t *testing.T, conn *sse.Conn) []byte {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-conn.Notifications():
			if !ok {
				t.Fatal("stream closed")
			}
			switch n.Kind {
			case sse.KindOpen:
				continue
			case sse.KindError:
				t.Fatalf("stream error: %v", n.Err)
			}
			return n.Event.Data
		case <-timeout:
			t.Fatal("timeout waiting for event")
		}
	}
}

func nextChat(t *testing.T, conn *sse.Conn) chat.Event {
	t.Helper()
	evt, err := chat.Parse(nextData(t, conn))
	if err != nil {
		t.Fatalf("parse chat event: %v", err)
	}
	return evt
}

func nextPresence(t *testing.T, conn *sse.Conn) presence.Event {
	t.Helper()
	evt, err := presence.Parse(nextData(t, conn))
	if err != nil {
		t.Fatalf("parse presence event: %v", err)
	}
	return evt
}

func TestRoom_MissingCredentials(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	for _, query := range []string{"", "?user_id=u1", "?user_name=Alice", "?user_id=&user_name=Alice"} {
		resp, err := http.Get(srv.URL + "/rooms/lobby" + query)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", query, resp.StatusCode)
		}
		if msg := decodeMessage(t, resp); msg != "Invalid credentials." {
			t.Fatalf("%q: unexpected message %q", query, msg)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if msg := decodeMessage(t, resp); msg != "Unknown route reached." {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	_, srv := newTestServer(t, Config{MaxBodyBytes: 128})

	tests := []struct {
		name   string
		body   string
		status int
		msg    string
	}{
		{"valid", `{"sender_id":"u1","sender":"Alice","message":"hi"}`, http.StatusOK, "Sent message to room: lobby"},
		{"not json", `hello`, http.StatusBadRequest, "Invalid request body."},
		{"missing sender", `{"sender_id":"u1","message":"hi"}`, http.StatusBadRequest, "Invalid request body."},
		{"missing text", `{"sender_id":"u1","sender":"Alice"}`, http.StatusBadRequest, "Invalid request body."},
		{"too large", `{"sender_id":"u1","sender":"Alice","message":"` + strings.Repeat("a", 200) + `"}`, http.StatusBadRequest, "Invalid request body."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postMessage(t, srv.URL, "lobby", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			if msg := decodeMessage(t, resp); msg != tt.msg {
				t.Fatalf("unexpected message %q", msg)
			}
		})
	}
}

func TestRoom_JoinMessageAndLeave(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	alice := sse.Dial(context.Background(), srv.URL+"/rooms/lobby?user_id=u1&user_name=Alice", sse.DialConfig{})
	defer alice.Close()

	join := nextChat(t, alice)
	if join.Type != chat.TypeUserJoin || join.SenderID != "u1" || join.Sender != "Alice" || join.Time == 0 {
		t.Fatalf("unexpected join event %+v", join)
	}

	bob := sse.Dial(context.Background(), srv.URL+"/rooms/lobby?user_id=u2&user_name=Bob", sse.DialConfig{})
	if evt := nextChat(t, alice); evt.Type != chat.TypeUserJoin || evt.Sender != "Bob" {
		t.Fatalf("expected Bob join, got %+v", evt)
	}

	resp := postMessage(t, srv.URL, "lobby", `{"sender_id":"u2","sender":"Bob","message":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post status %d", resp.StatusCode)
	}
	resp.Body.Close()

	msg := nextChat(t, alice)
	if msg.Type != chat.TypeMessage || msg.Sender != "Bob" || msg.Message != "hello" || msg.Time == 0 {
		t.Fatalf("unexpected message event %+v", msg)
	}

	_ = bob.Close()
	if evt := nextChat(t, alice); evt.Type != chat.TypeUserLeave || evt.SenderID != "u2" {
		t.Fatalf("expected Bob leave, got %+v", evt)
	}
}

func TestRoom_MessagesStayInTheirRoom(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	games := sse.Dial(context.Background(), srv.URL+"/rooms/games?user_id=u1&user_name=Alice", sse.DialConfig{})
	defer games.Close()
	_ = nextChat(t, games)

	resp := postMessage(t, srv.URL, "lobby", `{"sender_id":"u2","sender":"Bob","message":"elsewhere"}`)
	resp.Body.Close()
	resp = postMessage(t, srv.URL, "games", `{"sender_id":"u2","sender":"Bob","message":"here"}`)
	resp.Body.Close()

	if evt := nextChat(t, games); evt.Message != "here" {
		t.Fatalf("expected only the games message, got %+v", evt)
	}
}

func TestRooms_SnapshotThenUpdates(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	first := sse.Dial(context.Background(), srv.URL+"/rooms/lobby?user_id=u1&user_name=Alice", sse.DialConfig{})
	defer first.Close()
	_ = nextChat(t, first)

	rooms := sse.Dial(context.Background(), srv.URL+"/rooms", sse.DialConfig{})
	defer rooms.Close()
	if evt := nextPresence(t, rooms); evt != (presence.Event{RoomID: "lobby", UserCount: 1}) {
		t.Fatalf("unexpected snapshot %+v", evt)
	}

	second := sse.Dial(context.Background(), srv.URL+"/rooms/lobby?user_id=u2&user_name=Bob", sse.DialConfig{})
	if evt := nextPresence(t, rooms); evt != (presence.Event{RoomID: "lobby", UserCount: 2}) {
		t.Fatalf("expected count 2, got %+v", evt)
	}

	_ = second.Close()
	if evt := nextPresence(t, rooms); evt != (presence.Event{RoomID: "lobby", UserCount: 1}) {
		t.Fatalf("expected count 1, got %+v", evt)
	}
	_ = first.Close()
	if evt := nextPresence(t, rooms); evt != (presence.Event{RoomID: "lobby", UserCount: 0}) {
		t.Fatalf("expected count 0 on last leave, got %+v", evt)
	}
}

func TestPostMessage_RateLimited(t *testing.T) {
	_, srv := newTestServer(t, Config{PostRatePerSecond: 0.001, PostBurst: 1})

	body := `{"sender_id":"u1","sender":"Alice","message":"hi"}`
	resp := postMessage(t, srv.URL, "lobby", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first post: expected 200, got %d", resp.StatusCode)
	}

	resp = postMessage(t, srv.URL, "lobby", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second post: expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	resp.Body.Close()
}

func TestCORS(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/messages/lobby", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected allow origin %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("unexpected allow methods %q", resp.Header.Get("Access-Control-Allow-Methods"))
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type") {
		t.Fatalf("unexpected allow headers %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}
}

func TestCORS_SimpleRequestAllowsAnyOrigin(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/messages/lobby",
		strings.NewReader(`{"sender_id":"u1","sender":"Alice","message":"hi"}`))
	req.Header.Set("Origin", "http://example.test")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected allow origin %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestHealth(t *testing.T) {
	s, srv := newTestServer(t, Config{})

	check := func(wantCode int, wantStatus health.Status) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("get health: %v", err)
		}
		defer resp.Body.Close()
		var body health.AggregatedResult
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if resp.StatusCode != wantCode || body.Status != wantStatus {
			t.Fatalf("got %d %s, want %d %s", resp.StatusCode, body.Status, wantCode, wantStatus)
		}
	}

	check(http.StatusOK, health.StatusHealthy)

	s.RegisterHealthCheck(health.NewAdapterChecker("redis", health.CheckableFunc(func(context.Context) error {
		return errors.New("connection refused")
	}), time.Second))
	check(http.StatusServiceUnavailable, health.StatusUnhealthy)
}

func TestHealth_DegradedAtConnectionLimit(t *testing.T) {
	_, srv := newTestServer(t, Config{MaxConnections: 1})

	stream, err := http.Get(srv.URL + "/rooms")
	if err != nil {
		t.Fatalf("open rooms stream: %v", err)
	}
	defer stream.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("get health: %v", err)
		}
		var body health.AggregatedResult
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if body.Status == health.StatusDegraded {
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("degraded should still serve, got %d", resp.StatusCode)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected degraded status, got %s", body.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
