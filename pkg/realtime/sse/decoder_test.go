package sse

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecoder_Frames(t *testing.T) {
	stream := "\xEF\xBB\xBF: connected\n\n" +
		"data: {\"a\":1}\n\n" +
		"id: 42\r\nevent: presence\r\ndata: line1\r\ndata: line2\r\n\r\n" +
		"event: ignored\n\n" +
		"retry: 1500\rdata:nospace\r\r" +
		"data\n\n"

	dec := NewDecoder(strings.NewReader(stream))
	want := []Event{
		{Data: []byte(`{"a":1}`)},
		{ID: "42", Type: "presence", Data: []byte("line1\nline2")},
		{ID: "42", RetryMS: 1500, Data: []byte("nospace")},
		{ID: "42", Data: []byte("")},
	}
	for i, w := range want {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("frame %d: unexpected error %v", i, err)
		}
		if got.ID != w.ID || got.Type != w.Type || got.RetryMS != w.RetryMS || string(got.Data) != string(w.Data) {
			t.Fatalf("frame %d: got %+v (data %q), want %+v (data %q)", i, got, got.Data, w, w.Data)
		}
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if dec.LastEventID() != "42" {
		t.Fatalf("expected last event id 42, got %q", dec.LastEventID())
	}
}

func TestDecoder_IncompleteFrameAtEOFIsDropped(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: partial"))
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF for undispatched frame, got %v", err)
	}
}

func TestDecoder_RoundTripWithWriteEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	for _, data := range []string{`{"room_id":"lobby","user_count":2}`, "multi\nline"} {
		if err := WriteEvent(rec, Event{Data: []byte(data)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	dec := NewDecoder(rec.Body)
	for _, want := range []string{`{"room_id":"lobby","user_count":2}`, "multi\nline"} {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if string(got.Data) != want {
			t.Fatalf("got %q, want %q", got.Data, want)
		}
	}
}
