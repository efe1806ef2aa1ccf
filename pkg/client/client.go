// Package client is the session facade consumed by presentation code: it
// owns the identity store, at most one joined room, the presence watcher and
// the outbound sender.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimburion/chatstream/pkg/chat"
	"github.com/nimburion/chatstream/pkg/identity"
	"github.com/nimburion/chatstream/pkg/observability/logger"
	"github.com/nimburion/chatstream/pkg/outbound"
	"github.com/nimburion/chatstream/pkg/presence"
	"github.com/nimburion/chatstream/pkg/realtime/sse"
)

// ErrNotJoined is returned by Send when no room is joined.
var ErrNotJoined = errors.New("not joined to a room")

// DefaultCloseTimeout bounds how long Close waits for in-flight sends.
const DefaultCloseTimeout = 5 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL      string
	RoomsPath    string
	MessagesPath string
	// Capacity bounds the room message buffer. Zero means chat.DefaultCapacity.
	Capacity int
	Dial     sse.DialConfig
	Outbound outbound.Config
	// Identity is shared with the caller when set; otherwise a new store is created.
	Identity *identity.Store
	Logger   logger.Logger

	// OnRoomUpdate receives every view of the joined room.
	OnRoomUpdate func(chat.View)
	// OnRoomExit is called when the room leaves on its own.
	OnRoomExit func(error)
	// OnRoomsUpdate receives every presence map.
	OnRoomsUpdate func(presence.Map)
	// OnRoomsExit is called when the rooms stream fails.
	OnRoomsExit func(error)
	// Notifier receives send failures for the room that is still joined.
	Notifier outbound.Notifier
	// CloseTimeout bounds the wait for in-flight sends in Close. Zero means
	// DefaultCloseTimeout.
	CloseTimeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	store  *identity.Store
	sender *outbound.Sender
	log    logger.Logger

	mu      sync.Mutex
	room    *chat.Room
	session uint64
	watcher *presence.Watcher
}

// New creates a Client that has not joined any room.
func New(cfg Config) (*Client, error) {
	store := cfg.Identity
	if store == nil {
		var err error
		if store, err = identity.NewStore(); err != nil {
			return nil, err
		}
	}
	log := logger.OrNop(cfg.Logger)

	out := cfg.Outbound
	if out.BaseURL == "" {
		out.BaseURL = cfg.BaseURL
	}
	if out.MessagesPath == "" {
		out.MessagesPath = cfg.MessagesPath
	}
	if out.Logger == nil {
		out.Logger = log
	}
	sender, err := outbound.NewSender(out)
	if err != nil {
		return nil, err
	}

	return &Client{cfg: cfg, store: store, sender: sender, log: log}, nil
}

// Identity returns the session identity store.
func (c *Client) Identity() *identity.Store { return c.store }

// Join joins the room named by the current identity, leaving any room
// already joined. An incomplete identity never connects.
func (c *Client) Join(ctx context.Context) error {
	ident, _ := c.store.Join()
	return c.join(ctx, ident)
}

// JoinRoom switches the identity to room and joins it.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	ident, _ := c.store.JoinRoom(room)
	return c.join(ctx, ident)
}

func (c *Client) join(ctx context.Context, ident identity.Identity) error {
	c.Exit()

	c.mu.Lock()
	c.session++
	session := c.session
	c.mu.Unlock()

	room, err := chat.Join(ctx, ident, chat.Config{
		BaseURL:   c.cfg.BaseURL,
		RoomsPath: c.cfg.RoomsPath,
		Capacity:  c.cfg.Capacity,
		Dial:      c.cfg.Dial,
		Logger:    c.log,
		OnUpdate:  c.cfg.OnRoomUpdate,
		OnExit:    func(err error) { c.roomExited(session, err) },
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session != session {
		// A concurrent Join or Exit superseded this one.
		c.mu.Unlock()
		room.Exit()
		return nil
	}
	c.room = room
	c.mu.Unlock()
	return nil
}

func (c *Client) roomExited(session uint64, err error) {
	c.mu.Lock()
	if c.session == session {
		c.room = nil
		c.session++
	}
	c.mu.Unlock()
	if c.cfg.OnRoomExit != nil {
		c.cfg.OnRoomExit(err)
	}
}

// Exit leaves the joined room, if any. In-flight sends continue but their
// failures are no longer reported.
func (c *Client) Exit() {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.session++
	c.mu.Unlock()

	if room != nil {
		room.Exit()
	}
}

// Snapshot returns the joined room's view, or a not-joined view.
func (c *Client) Snapshot() chat.View {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return chat.View{State: chat.NotJoined}
	}
	return room.Snapshot()
}

// Send validates text and posts it to the joined room without waiting.
// A nil return means the input may be cleared. A failed post is reported
// once to the Notifier unless the room was left in the meantime.
func (c *Client) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	room, session := c.room, c.session
	c.mu.Unlock()
	if room == nil {
		return ErrNotJoined
	}

	ident := room.Identity()
	return c.sender.Dispatch(ctx, ident.Room, ident.ID, ident.Name, text, outbound.NotifierFunc(func(err error) {
		c.mu.Lock()
		current := c.session == session
		c.mu.Unlock()
		if !current {
			c.log.Debug("ignoring send failure after leaving room", "error", err)
			return
		}
		if c.cfg.Notifier != nil {
			c.cfg.Notifier.Notify(err)
		}
	}))
}

// WatchRooms starts following the global rooms stream, replacing any
// previous watcher. The map starts empty.
func (c *Client) WatchRooms(ctx context.Context) error {
	c.StopRooms()
	w, err := presence.Watch(ctx, presence.Config{
		BaseURL:   c.cfg.BaseURL,
		RoomsPath: c.cfg.RoomsPath,
		Dial:      c.cfg.Dial,
		Logger:    c.log,
		OnUpdate:  c.cfg.OnRoomsUpdate,
		OnExit:    c.cfg.OnRoomsExit,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
	return nil
}

// Rooms returns the current presence map, empty when not watching.
func (c *Client) Rooms() presence.Map {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w == nil {
		return presence.Map{}
	}
	return w.Snapshot()
}

// StopRooms stops the rooms watcher, if any.
func (c *Client) StopRooms() {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// Close leaves the room, stops watching and waits up to CloseTimeout for
// in-flight sends. Sends still running after that are abandoned.
func (c *Client) Close() {
	c.Exit()
	c.StopRooms()

	timeout := c.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.sender.WaitContext(ctx); err != nil {
		c.log.Warn("abandoning in-flight sends", "pending", c.sender.Pending(), "timeout", timeout)
	}
}
