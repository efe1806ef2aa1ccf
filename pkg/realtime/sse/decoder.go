package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
)

// maxFrameLine bounds a single line of the stream.
const maxFrameLine = 1 << 20

// Decoder reads SSE frames from a stream.
type Decoder struct {
	scanner     *bufio.Scanner
	lastEventID string
	started     bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameLine)
	scanner.Split(scanLines)
	return &Decoder{scanner: scanner}
}

// LastEventID returns the most recent id field seen on the stream.
func (d *Decoder) LastEventID() string { return d.lastEventID }

// Next returns the next dispatched event. Comment lines and frames without
// data are skipped. It returns io.EOF when the stream ends cleanly.
func (d *Decoder) Next() (Event, error) {
	var (
		data    bytes.Buffer
		hasData bool
		event   Event
	)
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if !d.started {
			line = bytes.TrimPrefix(line, []byte("\xEF\xBB\xBF"))
			d.started = true
		}

		if len(line) == 0 {
			if !hasData {
				event = Event{}
				continue
			}
			event.ID = d.lastEventID
			event.Data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
			return event, nil
		}
		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch string(field) {
		case "data":
			data.Write(value)
			data.WriteByte('\n')
			hasData = true
		case "event":
			event.Type = string(value)
		case "id":
			if bytes.IndexByte(value, 0) < 0 {
				d.lastEventID = string(value)
			}
		case "retry":
			if ms, err := strconv.Atoi(string(value)); err == nil && ms >= 0 {
				event.RetryMS = ms
			}
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func splitField(line []byte) ([]byte, []byte) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return line, nil
	}
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return line[:idx], value
}

// scanLines splits on \n, \r\n or a lone \r.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		switch b {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if atEOF {
				return i + 1, data[:i], nil
			}
			// need one more byte to tell \r from \r\n
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
