package sse

import (
	"fmt"
	"sync/atomic"
	"time"
)

var eventCounter uint64

// Event is one SSE record. Servers publish it through Manager and Bus;
// clients receive it decoded from the wire by Decoder.
type Event struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type,omitempty"`
	Data      []byte    `json:"data"`
	RetryMS   int       `json:"retry_ms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TypeOrDefault returns the event type, or "message" when the stream did not name one.
func (e Event) TypeOrDefault() string {
	if e.Type == "" {
		return DefaultEventType
	}
	return e.Type
}

// DefaultEventType is the type of frames without an "event:" field.
const DefaultEventType = "message"

func (e *Event) normalize(now time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.ID == "" {
		e.ID = nextEventID(e.Timestamp)
	}
}

func nextEventID(now time.Time) string {
	seq := atomic.AddUint64(&eventCounter, 1)
	return fmt.Sprintf("%013d-%010d", now.UTC().UnixMilli(), seq)
}
