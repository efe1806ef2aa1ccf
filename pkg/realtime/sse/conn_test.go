package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func next(t *testing.T, c *Conn) Notification {
	t.Helper()
	select {
	case n, ok := <-c.Notifications():
		if !ok {
			t.Fatal("notification channel closed unexpectedly")
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
	return Notification{}
}

func TestDial_OpenMessagesThenErrorOnServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		PrepareHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		for i := 1; i <= 2; i++ {
			_ = WriteEvent(w, Event{Data: []byte(fmt.Sprintf(`{"n":%d}`, i))})
		}
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	conn := Dial(context.Background(), srv.URL, DialConfig{})
	defer conn.Close()

	if n := next(t, conn); n.Kind != KindOpen {
		t.Fatalf("expected open, got %v", n.Kind)
	}
	for i := 1; i <= 2; i++ {
		n := next(t, conn)
		if n.Kind != KindMessage || string(n.Event.Data) != fmt.Sprintf(`{"n":%d}`, i) {
			t.Fatalf("unexpected message %d: %+v", i, n)
		}
	}
	n := next(t, conn)
	if n.Kind != KindError || !errors.Is(n.Err, ErrTransport) {
		t.Fatalf("expected terminal transport error, got %+v", n)
	}
	if _, ok := <-conn.Notifications(); ok {
		t.Fatal("expected channel closed after terminal error")
	}
}

func TestDial_NonStreamResponseIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Invalid credentials."}`))
	}))
	defer srv.Close()

	conn := Dial(context.Background(), srv.URL, DialConfig{})
	defer conn.Close()

	n := next(t, conn)
	if n.Kind != KindError || !errors.Is(n.Err, ErrTransport) {
		t.Fatalf("expected transport error without open, got %+v", n)
	}
}

func TestConn_CloseIsIdempotentAndStopsDelivery(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		PrepareHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	conn := Dial(context.Background(), srv.URL, DialConfig{})
	if n := next(t, conn); n.Kind != KindOpen {
		t.Fatalf("expected open, got %v", n.Kind)
	}

	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		_ = conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}

	for n := range conn.Notifications() {
		t.Fatalf("no notification expected after close, got %+v", n)
	}
}

func TestDial_CredentialsMode(t *testing.T) {
	seen := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, _ := r.Cookie("session")
		if cookie != nil {
			seen <- cookie.Value
		} else {
			seen <- ""
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	u, _ := url.Parse(srv.URL)
	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc"}})
	client := &http.Client{Jar: jar}

	for _, tc := range []struct {
		with bool
		want string
	}{{true, "abc"}, {false, ""}} {
		conn := Dial(context.Background(), srv.URL, DialConfig{HTTPClient: client, WithCredentials: tc.with})
		if n := next(t, conn); n.Kind != KindError {
			t.Fatalf("expected error for 204, got %v", n.Kind)
		}
		_ = conn.Close()
		if got := <-seen; got != tc.want {
			t.Fatalf("withCredentials=%v: cookie %q, want %q", tc.with, got, tc.want)
		}
	}
}

func TestKind_String(t *testing.T) {
	for kind, want := range map[Kind]string{KindOpen: "open", KindMessage: "message", KindError: "error", Kind(0): "unknown"} {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
