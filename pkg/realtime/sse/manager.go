package sse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTooManyConnections indicates max local SSE connections reached.
	ErrTooManyConnections = errors.New("too many sse connections")
	// ErrInvalidChannel indicates an empty or invalid channel.
	ErrInvalidChannel = errors.New("invalid channel")
)

// ManagerConfig configures SSE connection manager.
type ManagerConfig struct {
	MaxConnections     int
	ClientBuffer       int
	DropOnBackpressure bool
	HeartbeatInterval  time.Duration
}

// DefaultManagerConfig returns defaults tuned for chat room streams.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConnections:     10000,
		ClientBuffer:       64,
		DropOnBackpressure: true,
		HeartbeatInterval:  20 * time.Second,
	}
}

// Manager handles local SSE subscribers and fan-out via an optional bus.
// Without a bus, published events are delivered to local subscribers only.
type Manager struct {
	cfg ManagerConfig
	bus Bus

	mu             sync.RWMutex
	connections    map[string]*Client
	byChannel      map[string]map[string]*Client
	busSubscribers map[string]Subscription
}

// Client represents a connected SSE subscriber.
type Client struct {
	id        string
	channel   string
	mu        sync.RWMutex
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// SubscriptionRequest describes the channel for a new subscriber.
type SubscriptionRequest struct {
	ClientID string
	Channel  string
}

// PublishRequest describes an outgoing SSE event.
type PublishRequest struct {
	Channel string
	Type    string
	Data    []byte
}

// NewManager creates an SSE manager. bus may be nil.
func NewManager(cfg ManagerConfig, bus Bus) *Manager {
	return &Manager{
		cfg:            normalizeManagerConfig(cfg),
		bus:            bus,
		connections:    make(map[string]*Client),
		byChannel:      make(map[string]map[string]*Client),
		busSubscribers: make(map[string]Subscription),
	}
}

// HeartbeatInterval returns the interval between keep-alive comments.
func (m *Manager) HeartbeatInterval() time.Duration { return m.cfg.HeartbeatInterval }

// Subscribe registers a new local subscriber on req.Channel.
func (m *Manager) Subscribe(ctx context.Context, req SubscriptionRequest) (*Client, error) {
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		return nil, ErrInvalidChannel
	}

	client := &Client{
		id:      chooseClientID(req.ClientID),
		channel: channel,
		events:  make(chan Event, m.cfg.ClientBuffer),
		closed:  make(chan struct{}),
	}

	m.mu.Lock()
	if len(m.connections) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	m.connections[client.id] = client
	if m.byChannel[channel] == nil {
		m.byChannel[channel] = make(map[string]*Client)
	}
	m.byChannel[channel][client.id] = client
	needSub := m.bus != nil && m.busSubscribers[channel] == nil
	m.mu.Unlock()

	if needSub {
		if err := m.ensureBusSubscription(ctx, channel); err != nil {
			_ = m.Disconnect(client.id)
			return nil, err
		}
	}
	return client, nil
}

// Publish fans event out to every subscriber of req.Channel, through the bus when set.
func (m *Manager) Publish(ctx context.Context, req PublishRequest) (Event, error) {
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		return Event{}, ErrInvalidChannel
	}
	event := Event{
		Channel: channel,
		Type:    strings.TrimSpace(req.Type),
		Data:    append([]byte(nil), req.Data...),
	}
	event.normalize(time.Now().UTC())

	if m.bus != nil {
		if err := m.bus.Publish(ctx, event); err != nil {
			return Event{}, err
		}
		return event, nil
	}

	m.deliver(event)
	return event, nil
}

// Send delivers event to one local subscriber only, bypassing the bus.
// It reports false when the subscriber is gone or its buffer is full.
func (m *Manager) Send(clientID string, event Event) bool {
	m.mu.RLock()
	client := m.connections[clientID]
	m.mu.RUnlock()
	if client == nil {
		return false
	}
	event.Channel = client.channel
	event.normalize(time.Now().UTC())
	return client.offer(event)
}

// Subscribers returns the number of local subscribers on channel.
func (m *Manager) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byChannel[channel])
}

// Connections returns the number of local subscribers on every channel.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// MaxConnections returns the local subscriber limit.
func (m *Manager) MaxConnections() int { return m.cfg.MaxConnections }

// Disconnect removes and closes one local connection.
func (m *Manager) Disconnect(clientID string) error {
	m.mu.Lock()
	client := m.connections[clientID]
	if client == nil {
		m.mu.Unlock()
		return nil
	}

	delete(m.connections, clientID)
	channelClients := m.byChannel[client.channel]
	delete(channelClients, clientID)
	if len(channelClients) == 0 {
		delete(m.byChannel, client.channel)
		if sub := m.busSubscribers[client.channel]; sub != nil {
			_ = sub.Close()
			delete(m.busSubscribers, client.channel)
		}
	}
	m.mu.Unlock()

	client.close()
	return nil
}

// Close disconnects every subscriber and closes the bus.
func (m *Manager) Close() error {
	m.mu.Lock()
	for channel, sub := range m.busSubscribers {
		_ = sub.Close()
		delete(m.busSubscribers, channel)
	}
	for id, c := range m.connections {
		delete(m.connections, id)
		c.close()
	}
	m.byChannel = make(map[string]map[string]*Client)
	m.mu.Unlock()

	if m.bus != nil {
		return m.bus.Close()
	}
	return nil
}

func (m *Manager) ensureBusSubscription(ctx context.Context, channel string) error {
	m.mu.RLock()
	existing := m.busSubscribers[channel]
	m.mu.RUnlock()
	if existing != nil {
		return nil
	}

	sub, err := m.bus.Subscribe(ctx, channel, m.deliver)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busSubscribers[channel] == nil {
		m.busSubscribers[channel] = sub
		return nil
	}
	_ = sub.Close()
	return nil
}

func (m *Manager) deliver(event Event) {
	m.mu.RLock()
	clients := m.byChannel[event.Channel]
	snapshot := make([]*Client, 0, len(clients))
	for _, c := range clients {
		snapshot = append(snapshot, c)
	}
	m.mu.RUnlock()

	for _, c := range snapshot {
		if !c.offer(event) && m.cfg.DropOnBackpressure {
			_ = m.Disconnect(c.id)
		}
	}
}

func normalizeManagerConfig(cfg ManagerConfig) ManagerConfig {
	def := DefaultManagerConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	return cfg
}

func chooseClientID(value string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return nextEventID(time.Now().UTC())
}

// ID returns subscriber id.
func (c *Client) ID() string { return c.id }

// Channel returns subscribed channel.
func (c *Client) Channel() string { return c.channel }

// Events returns receive-only event stream for this client.
func (c *Client) Events() <-chan Event { return c.events }

// Closed returns a channel closed when client is disconnected.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// offer never blocks. The read lock keeps close from racing the send.
func (c *Client) offer(event Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.events <- event:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		close(c.closed)
		close(c.events)
	})
}
