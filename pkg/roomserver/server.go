// Package roomserver is a reference chat room server: per-room SSE streams,
// a global presence stream and a message endpoint, fanned out through an
// sse.Bus.
package roomserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/chatstream/pkg/chat"
	"github.com/nimburion/chatstream/pkg/health"
	"github.com/nimburion/chatstream/pkg/observability/logger"
	"github.com/nimburion/chatstream/pkg/observability/metrics"
	"github.com/nimburion/chatstream/pkg/observability/tracing"
	"github.com/nimburion/chatstream/pkg/outbound"
	"github.com/nimburion/chatstream/pkg/presence"
	"github.com/nimburion/chatstream/pkg/realtime/sse"
)

// roomsChannel carries presence events for every room.
const roomsChannel = "rooms"

func roomChannel(roomID string) string { return "room:" + roomID }

type jsonMessage struct {
	Message string `json:"message"`
}

// Config holds the room server settings.
type Config struct {
	Port              int
	MaxBodyBytes      int64
	HeartbeatInterval time.Duration
	ClientBuffer      int
	MaxConnections    int
	// PostRatePerSecond limits message posts per client address when positive.
	PostRatePerSecond float64
	PostBurst         int
	ShutdownTimeout   time.Duration
}

// Server serves the room, rooms and message endpoints.
type Server struct {
	cfg        Config
	manager    *sse.Manager
	counter    Counter
	health     *health.Registry
	log        logger.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New wires a Server. bus may be nil for a single-process server; counter
// defaults to a MemoryCounter.
func New(cfg Config, bus sse.Bus, counter Counter, log logger.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2048
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if counter == nil {
		counter = NewMemoryCounter()
	}
	s := &Server{
		cfg: cfg,
		manager: sse.NewManager(sse.ManagerConfig{
			MaxConnections:     cfg.MaxConnections,
			ClientBuffer:       cfg.ClientBuffer,
			DropOnBackpressure: true,
			HeartbeatInterval:  cfg.HeartbeatInterval,
		}, bus),
		counter: counter,
		health:  health.NewRegistry(),
		log:     logger.OrNop(log),
	}
	s.health.Register(health.NewCustomChecker("connections", s.checkConnections))
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), instrument(s.log), cors.Default())

	engine.GET("/health", s.handleHealth)
	engine.GET("/rooms", s.handleRooms)
	engine.GET("/rooms/:id", s.handleRoom)

	post := []gin.HandlerFunc{limitBody(s.cfg.MaxBodyBytes)}
	if s.cfg.PostRatePerSecond > 0 {
		limiter := NewTokenBucketLimiter(s.cfg.PostRatePerSecond, s.cfg.PostBurst)
		post = append([]gin.HandlerFunc{rateLimit(limiter, func(c *gin.Context) string { return c.ClientIP() })}, post...)
	}
	engine.POST("/messages/:id", append(post, s.handleMessage)...)

	engine.NoRoute(func(c *gin.Context) {
		c.SecureJSON(http.StatusNotFound, jsonMessage{Message: "Unknown route reached."})
	})
	return engine
}

// RegisterHealthCheck adds a readiness check reported by GET /health.
func (s *Server) RegisterHealthCheck(c health.Checker) { s.health.Register(c) }

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on the configured port until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("starting room server", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		_ = s.manager.Close()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown ends every stream, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.manager.Close(); err != nil {
		s.log.Warn("closing stream manager", "error", err)
	}
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("room server shutdown complete")
	return nil
}

func (s *Server) handleRoom(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	userID := strings.TrimSpace(c.Query("user_id"))
	userName := strings.TrimSpace(c.Query("user_name"))
	if roomID == "" || userID == "" || userName == "" {
		c.SecureJSON(http.StatusBadRequest, jsonMessage{Message: "Invalid credentials."})
		return
	}

	ctx := c.Request.Context()
	log := s.log.WithContext(logger.ContextWithUser(logger.ContextWithRoom(ctx, roomID), userID))
	channel := roomChannel(roomID)

	client, ok := s.subscribe(c, channel)
	if !ok {
		return
	}
	s.publishChat(ctx, roomID, chat.Event{Type: chat.TypeUserJoin, SenderID: userID, Sender: userName, Time: time.Now().UnixMilli()})
	s.adjustPresence(ctx, roomID, s.counter.Incr)
	log.Info("user joined room")

	defer func() {
		_ = s.manager.Disconnect(client.ID())
		metrics.SetServerSubscribers(channel, s.manager.Subscribers(channel))

		detached := context.WithoutCancel(ctx)
		s.publishChat(detached, roomID, chat.Event{Type: chat.TypeUserLeave, SenderID: userID, Sender: userName, Time: time.Now().UnixMilli()})
		s.adjustPresence(detached, roomID, s.counter.Decr)
		log.Info("user left room")
	}()

	sse.PrepareHeaders(c.Writer.Header())
	if err := sse.Stream(ctx, c.Writer, client, s.manager.HeartbeatInterval()); err != nil {
		log.Warn("room stream failed", "error", err)
	}
}

func (s *Server) handleRooms(c *gin.Context) {
	ctx := c.Request.Context()
	client, ok := s.subscribe(c, roomsChannel)
	if !ok {
		return
	}
	defer func() {
		_ = s.manager.Disconnect(client.ID())
		metrics.SetServerSubscribers(roomsChannel, s.manager.Subscribers(roomsChannel))
	}()

	counts, err := s.counter.All(ctx)
	if err != nil {
		s.log.Warn("reading presence snapshot", "error", err)
	}
	rooms := make([]string, 0, len(counts))
	for room := range counts {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	for _, room := range rooms {
		data, _ := json.Marshal(presence.Event{RoomID: room, UserCount: counts[room]})
		if !s.manager.Send(client.ID(), sse.Event{Channel: roomsChannel, Data: data}) {
			s.log.Warn("presence snapshot truncated", "rooms", len(rooms))
			break
		}
	}

	sse.PrepareHeaders(c.Writer.Header())
	if err := sse.Stream(ctx, c.Writer, client, s.manager.HeartbeatInterval()); err != nil {
		s.log.Warn("rooms stream failed", "error", err)
	}
}

func (s *Server) handleMessage(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	ctx, span := tracing.StartMessagingSpan(tracing.ExtractHTTP(c.Request.Context(), c.Request.Header),
		tracing.SpanOperationMsgProcess,
		tracing.WithMessagingSystem("http"),
		tracing.WithMessagingDestination(roomID),
	)
	defer span.End()

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		tracing.RecordError(span, err)
		c.SecureJSON(http.StatusBadRequest, jsonMessage{Message: "Invalid request body."})
		return
	}
	var msg outbound.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Message == "" || msg.Sender == "" || msg.SenderID == "" {
		tracing.RecordError(span, errors.New("invalid request body"))
		c.SecureJSON(http.StatusBadRequest, jsonMessage{Message: "Invalid request body."})
		return
	}
	span.SetAttributes(attribute.Int("messaging.payload_size_bytes", len(data)))

	evt := chat.Event{
		Type:     chat.TypeMessage,
		SenderID: msg.SenderID,
		Sender:   msg.Sender,
		Message:  msg.Message,
		Time:     time.Now().UnixMilli(),
	}
	if err := s.publishChat(ctx, roomID, evt); err != nil {
		tracing.RecordError(span, err)
		c.SecureJSON(http.StatusInternalServerError, jsonMessage{Message: "Failed to send message."})
		return
	}
	tracing.RecordSuccess(span)
	c.SecureJSON(http.StatusOK, jsonMessage{Message: fmt.Sprintf("Sent message to room: %s", roomID)})
}

func (s *Server) subscribe(c *gin.Context, channel string) (*sse.Client, bool) {
	client, err := s.manager.Subscribe(c.Request.Context(), sse.SubscriptionRequest{
		ClientID: uuid.NewString(),
		Channel:  channel,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sse.ErrTooManyConnections) {
			status = http.StatusServiceUnavailable
		}
		s.log.Warn("subscribe failed", "channel", channel, "error", err)
		c.SecureJSON(status, jsonMessage{Message: "Failed to connect."})
		return nil, false
	}
	metrics.SetServerSubscribers(channel, s.manager.Subscribers(channel))
	return client, true
}

func (s *Server) publishChat(ctx context.Context, roomID string, evt chat.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := s.manager.Publish(ctx, sse.PublishRequest{Channel: roomChannel(roomID), Data: data}); err != nil {
		s.log.Warn("publish chat event failed", "room", roomID, "type", string(evt.Type), "error", err)
		return err
	}
	return nil
}

func (s *Server) adjustPresence(ctx context.Context, roomID string, step func(context.Context, string) (int, error)) {
	n, err := step(ctx, roomID)
	if err != nil {
		s.log.Warn("presence update failed", "room", roomID, "error", err)
		return
	}
	data, _ := json.Marshal(presence.Event{RoomID: roomID, UserCount: n})
	if _, err := s.manager.Publish(ctx, sse.PublishRequest{Channel: roomsChannel, Data: data}); err != nil {
		s.log.Warn("publish presence failed", "room", roomID, "error", err)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	result := s.health.Check(c.Request.Context())
	status := http.StatusOK
	if !result.IsServing() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

// checkConnections reports degraded once the subscriber limit is reached.
func (s *Server) checkConnections(context.Context) (health.Status, string, error) {
	n, limit := s.manager.Connections(), s.manager.MaxConnections()
	msg := fmt.Sprintf("%d of %d connections", n, limit)
	if n >= limit {
		return health.StatusDegraded, msg, nil
	}
	return health.StatusHealthy, msg, nil
}
