package sse

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// PrepareHeaders sets the SSE response headers.
func PrepareHeaders(header http.Header) {
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
}

// Stream writes events for client to w until ctx ends or the client is
// disconnected. Heartbeat comments are sent every heartbeat interval.
// Headers must already be prepared; Stream writes the 200 status itself.
func Stream(ctx context.Context, w http.ResponseWriter, client *Client, heartbeat time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	w.WriteHeader(http.StatusOK)
	if err := writeComment(w, "connected"); err != nil {
		return nil
	}
	flusher.Flush()

	if heartbeat <= 0 {
		heartbeat = DefaultManagerConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Closed():
			return nil
		case <-ticker.C:
			if err := writeComment(w, "heartbeat"); err != nil {
				return nil
			}
			flusher.Flush()
		case evt, ok := <-client.Events():
			if !ok {
				return nil
			}
			if err := WriteEvent(w, evt); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeComment(w http.ResponseWriter, value string) error {
	_, err := w.Write([]byte(": " + value + "\n\n"))
	return err
}

// WriteEvent encodes event as one SSE frame. Multi-line data becomes
// multiple data fields.
func WriteEvent(w http.ResponseWriter, event Event) error {
	var buffer bytes.Buffer
	if event.ID != "" {
		buffer.WriteString("id: ")
		buffer.WriteString(event.ID)
		buffer.WriteByte('\n')
	}
	if event.Type != "" {
		buffer.WriteString("event: ")
		buffer.WriteString(event.Type)
		buffer.WriteByte('\n')
	}
	if event.RetryMS > 0 {
		buffer.WriteString("retry: ")
		buffer.WriteString(strconv.Itoa(event.RetryMS))
		buffer.WriteByte('\n')
	}
	data := event.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	for _, line := range strings.Split(string(data), "\n") {
		buffer.WriteString("data: ")
		buffer.WriteString(line)
		buffer.WriteByte('\n')
	}
	buffer.WriteByte('\n')

	_, err := w.Write(buffer.Bytes())
	return err
}
