package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream labels.
const (
	StreamRoom  = "room"
	StreamRooms = "rooms"
)

// Drop reasons.
const (
	ReasonMalformed   = "malformed"
	ReasonUnknownType = "unknown_type"
)

// Send results.
const (
	SendOK       = "ok"
	SendFailed   = "failed"
	SendRejected = "rejected"
)

var (
	streamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_stream_events_total",
			Help: "Events applied from push streams",
		},
		[]string{"stream", "type"},
	)

	streamEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_stream_events_dropped_total",
			Help: "Events dropped from push streams",
		},
		[]string{"stream", "reason"},
	)

	bufferEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstream_buffer_evictions_total",
			Help: "Chat entries evicted from full message buffers",
		},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_sends_total",
			Help: "Outbound message submissions by result",
		},
		[]string{"result"},
	)

	presenceRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatstream_presence_rooms",
			Help: "Rooms with at least one active user in the presence map",
		},
	)

	connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatstream_connections",
			Help: "Open client push-stream connections",
		},
		[]string{"stream"},
	)

	serverSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatstream_server_subscribers",
			Help: "Subscribers connected to the room server per channel",
		},
		[]string{"channel"},
	)
)

// RecordStreamEvent counts an applied event.
func RecordStreamEvent(stream, eventType string) {
	streamEventsTotal.WithLabelValues(stream, eventType).Inc()
}

// RecordDroppedEvent counts an event discarded without being applied.
func RecordDroppedEvent(stream, reason string) {
	streamEventsDropped.WithLabelValues(stream, reason).Inc()
}

// RecordEviction counts one FIFO eviction.
func RecordEviction() {
	bufferEvictions.Inc()
}

// RecordSend counts an outbound submission.
func RecordSend(result string) {
	sendsTotal.WithLabelValues(result).Inc()
}

// SetPresenceRooms reports the current presence map size.
func SetPresenceRooms(n int) {
	presenceRooms.Set(float64(n))
}

// ConnectionOpened increments the open connection gauge for stream.
func ConnectionOpened(stream string) {
	connections.WithLabelValues(stream).Inc()
}

// ConnectionClosed decrements the open connection gauge for stream.
func ConnectionClosed(stream string) {
	connections.WithLabelValues(stream).Dec()
}

// SetServerSubscribers reports the local subscriber count for a server channel.
func SetServerSubscribers(channel string, n int) {
	serverSubscribers.WithLabelValues(channel).Set(float64(n))
}
