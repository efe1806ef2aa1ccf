package chat

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nimburion/chatstream/pkg/identity"
	"github.com/nimburion/chatstream/pkg/observability/logger"
	"github.com/nimburion/chatstream/pkg/observability/metrics"
	"github.com/nimburion/chatstream/pkg/realtime/sse"
)

// State is the room membership state.
type State int

const (
	// NotJoined is the initial and final state.
	NotJoined State = iota
	// Connecting lasts from dial until the stream opens.
	Connecting
	// Joined means the stream is open and events are being applied.
	Joined
)

func (s State) String() string {
	switch s {
	case NotJoined:
		return "not_joined"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// View is an immutable snapshot of a room for rendering.
type View struct {
	Room    string
	State   State
	Entries []Entry
	// ScrollToLatest is set when the change that produced this view appended a chat message.
	ScrollToLatest bool
}

// Connecting reports whether content should be treated as unavailable.
func (v View) Connecting() bool { return v.State == Connecting }

// Config configures a room consumer.
type Config struct {
	BaseURL   string
	RoomsPath string
	Capacity  int
	Dial      sse.DialConfig
	Logger    logger.Logger
	// OnUpdate is called from the room goroutine after every applied change.
	// It must not call Exit.
	OnUpdate func(View)
	// OnExit is called once when the room leaves on its own: incomplete
	// identity or a stream error. It is not called for Exit. The room is
	// already done when it runs.
	OnExit func(error)
}

// Room owns one room stream connection and its message buffer.
// All buffer mutation happens on the room goroutine.
type Room struct {
	ident identity.Identity
	cfg   Config
	log   logger.Logger
	conn  *sse.Conn

	view     atomic.Pointer[View]
	leaving  atomic.Bool
	done     chan struct{}
	exitOnce sync.Once
	err      error
}

// StreamURL builds the room stream endpoint for ident.
func StreamURL(baseURL, roomsPath string, ident identity.Identity) (string, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	if roomsPath == "" {
		roomsPath = "/rooms"
	}
	u := base.JoinPath(roomsPath, ident.Room)
	q := u.Query()
	q.Set("user_id", ident.ID)
	q.Set("user_name", ident.Name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Join connects to ident's room. An incomplete identity never dials: OnExit
// is invoked and an error wrapping identity.ErrIncomplete is returned.
func Join(ctx context.Context, ident identity.Identity, cfg Config) (*Room, error) {
	if err := ident.Validate(); err != nil {
		if cfg.OnExit != nil {
			cfg.OnExit(err)
		}
		return nil, err
	}
	endpoint, err := StreamURL(cfg.BaseURL, cfg.RoomsPath, ident)
	if err != nil {
		return nil, err
	}

	lctx := logger.ContextWithRoom(logger.ContextWithUser(ctx, ident.ID), ident.Room)
	r := &Room{
		ident: ident,
		cfg:   cfg,
		log:   logger.OrNop(cfg.Logger).WithContext(lctx),
		done:  make(chan struct{}),
	}
	r.view.Store(&View{Room: ident.Room, State: Connecting})

	dial := cfg.Dial
	dial.Logger = r.log
	r.conn = sse.Dial(ctx, endpoint, dial)
	go r.run()
	return r, nil
}

// Identity returns the identity the room was joined with.
func (r *Room) Identity() identity.Identity { return r.ident }

// Snapshot returns the latest view.
func (r *Room) Snapshot() View { return *r.view.Load() }

// Done is closed when the room goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Err returns the terminal stream error once Done is closed, or nil after Exit.
func (r *Room) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Exit closes the stream, discards the buffer and waits for the room goroutine.
// It is idempotent.
func (r *Room) Exit() {
	r.exitOnce.Do(func() {
		r.leaving.Store(true)
		_ = r.conn.Close()
	})
	<-r.done
}

func (r *Room) run() {
	buf := NewBuffer(r.cfg.Capacity)
	state := Connecting
	opened := false

	for n := range r.conn.Notifications() {
		switch n.Kind {
		case sse.KindOpen:
			opened = true
			state = Joined
			metrics.ConnectionOpened(metrics.StreamRoom)
			r.log.Info("joined room")
			r.publish(state, buf, false)
		case sse.KindMessage:
			if evt, ok := r.apply(buf, n.Event); ok {
				r.publish(state, buf, evt.Type == TypeMessage)
			}
		case sse.KindError:
			r.err = n.Err
		}
	}

	if opened {
		metrics.ConnectionClosed(metrics.StreamRoom)
	}
	r.view.Store(&View{Room: r.ident.Room, State: NotJoined})
	if r.leaving.Load() {
		r.err = nil
		r.log.Info("left room")
		close(r.done)
		return
	}
	if r.err == nil {
		r.err = errors.New("room stream closed")
	}
	r.log.Warn("room stream failed, leaving room", "error", r.err)
	close(r.done)

	if r.cfg.OnUpdate != nil {
		r.cfg.OnUpdate(r.Snapshot())
	}
	if r.cfg.OnExit != nil {
		r.cfg.OnExit(r.err)
	}
}

func (r *Room) apply(buf *Buffer, raw sse.Event) (Event, bool) {
	if raw.TypeOrDefault() != sse.DefaultEventType {
		metrics.RecordDroppedEvent(metrics.StreamRoom, metrics.ReasonUnknownType)
		r.log.Debug("dropping named stream event", "event", raw.Type)
		return Event{}, false
	}
	evt, err := Parse(raw.Data)
	if err != nil {
		metrics.RecordDroppedEvent(metrics.StreamRoom, metrics.ReasonMalformed)
		r.log.Debug("dropping malformed event", "error", err)
		return Event{}, false
	}
	if !evt.Type.Known() {
		metrics.RecordDroppedEvent(metrics.StreamRoom, metrics.ReasonUnknownType)
		r.log.Debug("dropping unknown event type", "message_type", string(evt.Type))
		return Event{}, false
	}
	if buf.Append(evt) {
		metrics.RecordEviction()
	}
	metrics.RecordStreamEvent(metrics.StreamRoom, string(evt.Type))
	return evt, true
}

func (r *Room) publish(state State, buf *Buffer, scroll bool) {
	v := &View{
		Room:           r.ident.Room,
		State:          state,
		Entries:        RenderAll(buf.Snapshot(), r.ident.ID),
		ScrollToLatest: scroll,
	}
	r.view.Store(v)
	if r.cfg.OnUpdate != nil && !r.leaving.Load() {
		r.cfg.OnUpdate(*v)
	}
}
