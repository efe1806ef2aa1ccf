package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/chatstream/pkg/chat"
	"github.com/nimburion/chatstream/pkg/identity"
	"github.com/nimburion/chatstream/pkg/outbound"
	"github.com/nimburion/chatstream/pkg/roomserver"
)

// newRoomServer serves the room server, optionally replacing the message endpoint.
func newRoomServer(t *testing.T, messages http.HandlerFunc) *httptest.Server {
	t.Helper()
	rs := roomserver.New(roomserver.Config{}, nil, nil, nil)
	handler := rs.Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if messages != nil && r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/messages/") {
			messages(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = rs.Shutdown(context.Background()) })
	return srv
}

func newClient(t *testing.T, baseURL, id, name, room string, cfg Config) *Client {
	t.Helper()
	store, err := identity.NewStore(identity.WithGenerator(func() string { return id }))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.Set(identity.Patch{Name: identity.String(name), Room: identity.String(room)})
	cfg.BaseURL = baseURL
	cfg.Identity = store
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func messages(v chat.View) []chat.Entry {
	var out []chat.Entry
	for _, e := range v.Entries {
		if e.Type == chat.TypeMessage {
			out = append(out, e)
		}
	}
	return out
}

func TestClient_OtherSenderIsNotMine(t *testing.T) {
	srv := newRoomServer(t, nil)
	alice := newClient(t, srv.URL, "u1", "Alice", "lobby", Config{})
	bob := newClient(t, srv.URL, "u2", "Bob", "lobby", Config{})

	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	waitFor(t, func() bool { return alice.Snapshot().State == chat.Joined })
	if err := bob.Join(context.Background()); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	waitFor(t, func() bool { return bob.Snapshot().State == chat.Joined })

	if err := bob.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	waitFor(t, func() bool { return len(messages(alice.Snapshot())) == 1 })

	entry := messages(alice.Snapshot())[0]
	if entry.Mine || entry.Event.Sender != "Bob" || entry.Text != "Bob: hi" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if err := alice.Send(context.Background(), "  hey "); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	waitFor(t, func() bool { return len(messages(alice.Snapshot())) == 2 })
	if own := messages(alice.Snapshot())[1]; !own.Mine || own.Event.Message != "hey" {
		t.Fatalf("expected own trimmed message, got %+v", own)
	}
}

func TestClient_CapacityKeepsLatest(t *testing.T) {
	srv := newRoomServer(t, nil)
	alice := newClient(t, srv.URL, "u1", "Alice", "lobby", Config{Capacity: 2})
	poster, err := outbound.NewSender(outbound.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return len(alice.Snapshot().Entries) == 1 })

	for _, text := range []string{"E1", "E2", "E3"} {
		if err := poster.Send(context.Background(), "lobby", "u2", "Bob", text); err != nil {
			t.Fatalf("post %s: %v", text, err)
		}
	}
	waitFor(t, func() bool {
		entries := alice.Snapshot().Entries
		return len(entries) == 2 && entries[1].Event.Message == "E3"
	})
	if first := alice.Snapshot().Entries[0]; first.Event.Message != "E2" {
		t.Fatalf("expected [E2,E3], got %+v", alice.Snapshot().Entries)
	}
}

func TestClient_SendFailureNotifiesOnceAndStaysJoined(t *testing.T) {
	srv := newRoomServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	var notified atomic.Int32
	alice := newClient(t, srv.URL, "u1", "Alice", "lobby", Config{
		Notifier: outbound.NotifierFunc(func(err error) {
			if errors.Is(err, outbound.ErrSendFailed) {
				notified.Add(1)
			}
		}),
	})
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return len(alice.Snapshot().Entries) == 1 })

	if err := alice.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("send should be accepted: %v", err)
	}
	waitFor(t, func() bool { return notified.Load() == 1 })
	time.Sleep(50 * time.Millisecond)

	if notified.Load() != 1 {
		t.Fatalf("expected exactly one notification, got %d", notified.Load())
	}
	view := alice.Snapshot()
	if view.State != chat.Joined || len(view.Entries) != 1 {
		t.Fatalf("room should be untouched, got %+v", view)
	}
}

func TestClient_LateFailureAfterExitIsIgnored(t *testing.T) {
	release := make(chan struct{})
	srv := newRoomServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.Error(w, "late", http.StatusBadGateway)
	})

	var notified atomic.Int32
	alice := newClient(t, srv.URL, "u1", "Alice", "lobby", Config{
		Notifier: outbound.NotifierFunc(func(error) { notified.Add(1) }),
	})
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return alice.Snapshot().State == chat.Joined })

	if err := alice.Send(context.Background(), "bye"); err != nil {
		t.Fatalf("send: %v", err)
	}
	alice.Exit()
	close(release)
	alice.sender.Wait()

	if notified.Load() != 0 {
		t.Fatal("failure after exit must not notify")
	}
	if alice.Snapshot().State != chat.NotJoined {
		t.Fatal("expected not joined after exit")
	}
}

func TestClient_IncompleteIdentityNeverConnects(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	exited := make(chan error, 1)
	c := newClient(t, srv.URL, "u1", "", "lobby", Config{OnRoomExit: func(err error) { exited <- err }})

	if err := c.Join(context.Background()); !errors.Is(err, identity.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	select {
	case err := <-exited:
		if !errors.Is(err, identity.ErrIncomplete) {
			t.Fatalf("unexpected exit error %v", err)
		}
	default:
		t.Fatal("expected exit signal")
	}
	if requests.Load() != 0 {
		t.Fatal("expected no connection attempt")
	}
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestClient_JoinRoomDefaultsNameAndTracksPresence(t *testing.T) {
	srv := newRoomServer(t, nil)
	c := newClient(t, srv.URL, "abcdefgh", "", "", Config{})

	if err := c.WatchRooms(context.Background()); err != nil {
		t.Fatalf("watch rooms: %v", err)
	}
	if err := c.JoinRoom(context.Background(), "Games"); err != nil {
		t.Fatalf("join room: %v", err)
	}
	waitFor(t, func() bool { return c.Rooms()["games"] == 1 })

	if ident := c.Identity().Get(); ident.Name != "user-abcde" || ident.Room != "games" {
		t.Fatalf("unexpected identity %+v", ident)
	}

	c.Exit()
	waitFor(t, func() bool { _, ok := c.Rooms()["games"]; return !ok })
	c.StopRooms()
	if len(c.Rooms()) != 0 {
		t.Fatal("expected empty map after stopping")
	}
}

func TestClient_InvalidTextIsRejected(t *testing.T) {
	srv := newRoomServer(t, nil)
	c := newClient(t, srv.URL, "u1", "Alice", "lobby", Config{})
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	for _, text := range []string{"", " ", strings.Repeat("x", 101)} {
		if err := c.Send(context.Background(), text); !errors.Is(err, outbound.ErrInvalidMessage) {
			t.Fatalf("Send(%q): expected ErrInvalidMessage, got %v", text, err)
		}
	}
}

func TestClient_CloseGivesUpOnHungSend(t *testing.T) {
	release := make(chan struct{})
	var posted atomic.Int32
	srv := newRoomServer(t, func(w http.ResponseWriter, r *http.Request) {
		posted.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })

	alice := newClient(t, srv.URL, "u1", "Alice", "lobby", Config{CloseTimeout: 50 * time.Millisecond})
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return alice.Snapshot().State == chat.Joined })
	if err := alice.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return posted.Load() == 1 })

	closed := make(chan struct{})
	go func() {
		alice.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an unanswered send")
	}
	if alice.Snapshot().State != chat.NotJoined {
		t.Fatalf("expected not joined after close, got %v", alice.Snapshot().State)
	}
}
