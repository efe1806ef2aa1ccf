package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nimburion/chatstream/pkg/observability/logger"
)

var (
	// ErrTransport indicates the push connection failed or ended. It is terminal for the Conn.
	ErrTransport = errors.New("sse transport error")
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("sse connection closed")
)

// Kind classifies a connection lifecycle notification.
type Kind int

const (
	// KindOpen is emitted once the server accepted the stream.
	KindOpen Kind = iota + 1
	// KindMessage carries one decoded event.
	KindMessage
	// KindError is terminal: no notification follows it.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is one item on a Conn's channel.
type Notification struct {
	Kind  Kind
	Event Event
	Err   error
}

// DialConfig configures a client connection.
type DialConfig struct {
	// HTTPClient performs the request. Its Timeout should be zero for long-lived streams.
	HTTPClient *http.Client
	// WithCredentials sends cookies from HTTPClient's jar. When false the jar is not used.
	WithCredentials bool
	// Header is added to the request.
	Header http.Header
	// QueueSize bounds notifications buffered ahead of the consumer.
	QueueSize int
	Logger    logger.Logger
}

// Conn is one client-side push stream. Notifications arrive in server order:
// at most one open, then messages, then at most one terminal error.
type Conn struct {
	endpoint string
	notes    chan Notification
	done     chan struct{}
	finished chan struct{}
	cancel   context.CancelFunc
	once     sync.Once
	log      logger.Logger
}

// Dial starts connecting to endpoint and returns immediately. Connection
// progress is reported on Notifications. There is no automatic reconnection.
func Dial(ctx context.Context, endpoint string, cfg DialConfig) *Conn {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		endpoint: endpoint,
		notes:    make(chan Notification, cfg.QueueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		cancel:   cancel,
		log:      logger.OrNop(cfg.Logger).With("endpoint", endpoint),
	}
	go c.run(cctx, cfg)
	return c
}

// Endpoint returns the URL this Conn was dialed with.
func (c *Conn) Endpoint() string { return c.endpoint }

// Notifications returns the lifecycle channel. It is closed after the
// terminal error or after Close.
func (c *Conn) Notifications() <-chan Notification { return c.notes }

// Close terminates the transport and detaches the channel. It is idempotent
// and waits for the reader goroutine to exit.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
	<-c.finished
	return nil
}

func (c *Conn) run(ctx context.Context, cfg DialConfig) {
	defer close(c.finished)
	defer close(c.notes)
	defer c.cancel()

	resp, err := c.open(ctx, cfg)
	if err != nil {
		c.emit(Notification{Kind: KindError, Err: err})
		return
	}
	defer resp.Body.Close()

	if !c.emit(Notification{Kind: KindOpen}) {
		return
	}
	c.log.Debug("sse stream opened")

	dec := NewDecoder(resp.Body)
	for {
		evt, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: stream ended by server", ErrTransport)
			} else {
				err = fmt.Errorf("%w: %v", ErrTransport, err)
			}
			c.emit(Notification{Kind: KindError, Err: err})
			return
		}
		if !c.emit(Notification{Kind: KindMessage, Event: evt}) {
			return
		}
	}
}

func (c *Conn) open(ctx context.Context, cfg DialConfig) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	for key, values := range cfg.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := httpClientFor(cfg).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d", ErrTransport, resp.StatusCode)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.EqualFold(mediaType, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrTransport, mediaType)
	}
	return resp, nil
}

// emit reports false once the Conn has been closed; nothing is delivered after Close.
func (c *Conn) emit(n Notification) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.notes <- n:
		return true
	case <-c.done:
		return false
	}
}

func httpClientFor(cfg DialConfig) *http.Client {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.WithCredentials || client.Jar == nil {
		return client
	}
	copied := *client
	copied.Jar = nil
	return &copied
}
