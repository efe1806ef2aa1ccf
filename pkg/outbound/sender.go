// Package outbound posts composed chat messages to a room's message endpoint.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/nimburion/chatstream/pkg/observability/logger"
	"github.com/nimburion/chatstream/pkg/observability/metrics"
	"github.com/nimburion/chatstream/pkg/observability/tracing"
	"github.com/nimburion/chatstream/pkg/version"
)

var (
	// ErrInvalidMessage indicates text outside the accepted length after trimming.
	// Such text is never submitted.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrSendFailed indicates the POST failed or was rejected by the server.
	ErrSendFailed = errors.New("send failed")
)

const (
	// DefaultMinLength is the shortest accepted message after trimming.
	DefaultMinLength = 1
	// DefaultMaxLength is the longest accepted message after trimming.
	DefaultMaxLength = 100
)

// Message is the JSON body of a message post.
type Message struct {
	SenderID string `json:"sender_id"`
	Sender   string `json:"sender"`
	Message  string `json:"message"`
}

// Validate trims text and checks its length in characters against [minLen, maxLen].
func Validate(text string, minLen, maxLen int) (string, error) {
	trimmed := strings.TrimSpace(text)
	n := utf8.RuneCountInString(trimmed)
	if n < minLen {
		return "", fmt.Errorf("%w: shorter than %d characters", ErrInvalidMessage, minLen)
	}
	if maxLen > 0 && n > maxLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidMessage, maxLen)
	}
	return trimmed, nil
}

// Notifier receives the transient failure notification of a dispatched send.
type Notifier interface {
	Notify(err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(err error)

// Notify calls f(err).
func (f NotifierFunc) Notify(err error) { f(err) }

// Config configures a Sender.
type Config struct {
	BaseURL      string
	MessagesPath string
	MinLength    int
	MaxLength    int
	// Timeout bounds one POST. Zero leaves it to the transport.
	Timeout time.Duration
	// RatePerSecond throttles submissions when positive.
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
	Logger        logger.Logger
}

// Sender submits messages. It is safe for concurrent use.
type Sender struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	log     logger.Logger
	agent   string

	inflight sync.WaitGroup
	pending  atomic.Int64
}

// NewSender validates cfg and returns a Sender.
func NewSender(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("outbound base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse outbound base url: %w", err)
	}
	if cfg.MessagesPath == "" {
		cfg.MessagesPath = "/messages"
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MinLength > cfg.MaxLength {
		return nil, fmt.Errorf("outbound min length %d exceeds max length %d", cfg.MinLength, cfg.MaxLength)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	s := &Sender{
		cfg:    cfg,
		base:   base,
		client: client,
		log:    logger.OrNop(cfg.Logger),
		agent:  version.UserAgent(),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s, nil
}

// Validate applies the configured length bounds.
func (s *Sender) Validate(text string) (string, error) {
	return Validate(text, s.cfg.MinLength, s.cfg.MaxLength)
}

// Send validates text and posts it to room, blocking until the server answers.
// Invalid text returns ErrInvalidMessage without any request.
func (s *Sender) Send(ctx context.Context, room, senderID, senderName, text string) error {
	trimmed, err := s.Validate(text)
	if err != nil {
		metrics.RecordSend(metrics.SendRejected)
		return err
	}
	return s.post(ctx, room, Message{SenderID: senderID, Sender: senderName, Message: trimmed})
}

// Dispatch validates text synchronously and posts it in the background.
// A nil return means the text was accepted and the caller may clear its input.
// A failed post calls notify exactly once and is not retried. The post is
// detached from ctx cancellation so leaving a room does not abort it.
func (s *Sender) Dispatch(ctx context.Context, room, senderID, senderName, text string, notify Notifier) error {
	trimmed, err := s.Validate(text)
	if err != nil {
		metrics.RecordSend(metrics.SendRejected)
		return err
	}
	msg := Message{SenderID: senderID, Sender: senderName, Message: trimmed}
	detached := context.WithoutCancel(ctx)

	s.inflight.Add(1)
	s.pending.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.pending.Add(-1)
		if err := s.post(detached, room, msg); err != nil && notify != nil {
			notify.Notify(err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched post has finished.
func (s *Sender) Wait() {
	s.inflight.Wait()
}

// WaitContext is Wait bounded by ctx. On expiry it returns ctx.Err() and the
// posts keep running in the background.
func (s *Sender) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of dispatched posts that have not finished.
func (s *Sender) Pending() int { return int(s.pending.Load()) }

// URL returns the message endpoint for room.
func (s *Sender) URL(room string) string {
	return s.base.JoinPath(s.cfg.MessagesPath, room).String()
}

func (s *Sender) post(ctx context.Context, room string, msg Message) (err error) {
	log := s.log.WithContext(logger.ContextWithUser(logger.ContextWithRoom(ctx, room), msg.SenderID))

	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem("http"),
		tracing.WithMessagingDestination(room),
	)
	defer func() {
		if err != nil {
			tracing.RecordError(span, err)
		} else {
			tracing.RecordSuccess(span)
		}
		span.End()
	}()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			metrics.RecordSend(metrics.SendFailed)
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", ErrSendFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(room), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.agent)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordSend(metrics.SendFailed)
		log.Warn("message post failed", "error", err)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordSend(metrics.SendFailed)
		log.Warn("message post rejected", "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	metrics.RecordSend(metrics.SendOK)
	log.Debug("message posted")
	return nil
}
