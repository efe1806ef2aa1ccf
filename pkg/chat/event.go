// Package chat consumes a room stream: it parses chat events, keeps them in a
// bounded FIFO buffer and drives the room membership state machine.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent indicates a pushed record that is not a usable ChatEvent.
var ErrMalformedEvent = errors.New("malformed chat event")

// MessageType tags a ChatEvent variant.
type MessageType string

// Known variants. Anything else is dropped by the consumer.
const (
	TypeMessage   MessageType = "message"
	TypeUserJoin  MessageType = "user_join"
	TypeUserLeave MessageType = "user_leave"
)

// Known reports whether t is one of the variants the consumer displays.
func (t MessageType) Known() bool {
	switch t {
	case TypeMessage, TypeUserJoin, TypeUserLeave:
		return true
	default:
		return false
	}
}

// Event is one record of a room stream. Order is arrival order; Time is
// unix milliseconds and is display-only.
type Event struct {
	Type     MessageType `json:"message_type"`
	SenderID string      `json:"sender_id"`
	Sender   string      `json:"sender"`
	Message  string      `json:"message,omitempty"`
	Time     int64       `json:"time"`
}

// Parse decodes raw into an Event. Unknown types parse successfully so the
// caller can ignore them; missing required fields wrap ErrMalformedEvent.
func Parse(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("%w: missing message_type", ErrMalformedEvent)
	}
	if !evt.Type.Known() {
		return evt, nil
	}
	var missing []string
	if evt.SenderID == "" {
		missing = append(missing, "sender_id")
	}
	if evt.Sender == "" {
		missing = append(missing, "sender")
	}
	if evt.Type == TypeMessage && evt.Message == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return Event{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, strings.Join(missing, ", "))
	}
	return evt, nil
}
