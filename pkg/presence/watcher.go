package presence

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nimburion/chatstream/pkg/observability/logger"
	"github.com/nimburion/chatstream/pkg/observability/metrics"
	"github.com/nimburion/chatstream/pkg/realtime/sse"
)

// Config configures a Watcher.
type Config struct {
	BaseURL   string
	RoomsPath string
	Dial      sse.DialConfig
	Logger    logger.Logger
	// OnUpdate is called from the watcher goroutine with each new map. It must not call Close.
	OnUpdate func(Map)
	// OnExit is called once if the stream fails. It is not called for Close.
	OnExit func(error)
}

// Watcher follows the global rooms stream. The map starts empty on every
// Watch and is owned by the watcher goroutine.
type Watcher struct {
	cfg  Config
	log  logger.Logger
	conn *sse.Conn

	current   atomic.Pointer[Map]
	open      atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// RoomsURL builds the global rooms stream endpoint.
func RoomsURL(baseURL, roomsPath string) (string, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	if roomsPath == "" {
		roomsPath = "/rooms"
	}
	return base.JoinPath(roomsPath).String(), nil
}

// Watch connects to the rooms stream and starts applying events.
func Watch(ctx context.Context, cfg Config) (*Watcher, error) {
	endpoint, err := RoomsURL(cfg.BaseURL, cfg.RoomsPath)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		cfg:  cfg,
		log:  logger.OrNop(cfg.Logger).With("stream", metrics.StreamRooms),
		done: make(chan struct{}),
	}
	empty := Map{}
	w.current.Store(&empty)
	metrics.SetPresenceRooms(0)

	dial := cfg.Dial
	dial.Logger = w.log
	w.conn = sse.Dial(ctx, endpoint, dial)
	go w.run()
	return w, nil
}

// Snapshot returns the current map. Callers must not modify it.
func (w *Watcher) Snapshot() Map { return *w.current.Load() }

// Open reports whether the stream has opened and not yet ended.
func (w *Watcher) Open() bool { return w.open.Load() }

// Done is closed when the watcher goroutine has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Err returns the terminal stream error once Done is closed, or nil after Close.
func (w *Watcher) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Close stops watching. It is idempotent.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.closing.Store(true)
		_ = w.conn.Close()
	})
	<-w.done
}

func (w *Watcher) run() {
	m := Map{}
	for n := range w.conn.Notifications() {
		switch n.Kind {
		case sse.KindOpen:
			w.open.Store(true)
			metrics.ConnectionOpened(metrics.StreamRooms)
			w.log.Debug("rooms stream opened")
		case sse.KindMessage:
			if n.Event.TypeOrDefault() != sse.DefaultEventType {
				metrics.RecordDroppedEvent(metrics.StreamRooms, metrics.ReasonUnknownType)
				w.log.Debug("dropping named stream event", "event", n.Event.Type)
				continue
			}
			evt, err := Parse(n.Event.Data)
			if err != nil {
				metrics.RecordDroppedEvent(metrics.StreamRooms, metrics.ReasonMalformed)
				w.log.Debug("dropping malformed presence event", "error", err)
				continue
			}
			next := Apply(m, evt)
			m = next
			w.current.Store(&next)
			metrics.RecordStreamEvent(metrics.StreamRooms, "presence")
			metrics.SetPresenceRooms(len(m))
			if w.cfg.OnUpdate != nil && !w.closing.Load() {
				w.cfg.OnUpdate(m)
			}
		case sse.KindError:
			w.err = n.Err
		}
	}

	if w.open.Swap(false) {
		metrics.ConnectionClosed(metrics.StreamRooms)
	}
	if w.closing.Load() {
		w.err = nil
		close(w.done)
		return
	}
	if w.err == nil {
		w.err = errors.New("rooms stream closed")
	}
	w.log.Warn("rooms stream failed", "error", w.err)
	close(w.done)
	if w.cfg.OnExit != nil {
		w.cfg.OnExit(w.err)
	}
}
