package chat

import (
	"fmt"
	"strconv"
)

// Entry is a display-ready view of one buffered event.
type Entry struct {
	Key   string
	Type  MessageType
	Text  string
	Mine  bool
	Event Event
}

// Render builds the entry for evt as seen by selfID.
func Render(evt Event, selfID string) Entry {
	entry := Entry{
		Type:  evt.Type,
		Mine:  evt.SenderID != "" && evt.SenderID == selfID,
		Event: evt,
	}
	stamp := strconv.FormatInt(evt.Time, 10)
	switch evt.Type {
	case TypeUserJoin:
		entry.Key = evt.SenderID + "-join-" + stamp
		entry.Text = fmt.Sprintf("%s joined the chat!", evt.Sender)
	case TypeUserLeave:
		entry.Key = evt.SenderID + "-leave-" + stamp
		entry.Text = fmt.Sprintf("%s left the chat!", evt.Sender)
	default:
		entry.Key = evt.SenderID + "-" + stamp
		entry.Text = fmt.Sprintf("%s: %s", evt.Sender, evt.Message)
	}
	return entry
}

// RenderAll renders events in order.
func RenderAll(events []Event, selfID string) []Entry {
	out := make([]Entry, len(events))
	for i, evt := range events {
		out[i] = Render(evt, selfID)
	}
	return out
}
