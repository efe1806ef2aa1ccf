// Package presence reconciles room occupancy from the global rooms stream.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedEvent indicates a rooms-stream record that is not a usable Event.
var ErrMalformedEvent = errors.New("malformed presence event")

// Event is the absolute user count for one room at emission time.
type Event struct {
	RoomID    string `json:"room_id"`
	UserCount int    `json:"user_count"`
}

// Parse decodes raw into an Event.
func Parse(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(evt.RoomID) == "" {
		return Event{}, fmt.Errorf("%w: missing room_id", ErrMalformedEvent)
	}
	return evt, nil
}

// Map is room id to active user count. Only rooms with a positive count are present.
type Map map[string]int

// Apply returns the map after evt. It does not modify m. A count of zero or
// less deletes the key whether or not it was present; a positive count sets it.
func Apply(m Map, evt Event) Map {
	next := make(Map, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	if evt.UserCount <= 0 {
		delete(next, evt.RoomID)
		return next
	}
	next[evt.RoomID] = evt.UserCount
	return next
}

// Room is one entry of a sorted listing.
type Room struct {
	ID    string
	Count int
}

// Sorted lists rooms by count descending, then id ascending.
func (m Map) Sorted() []Room {
	rooms := make([]Room, 0, len(m))
	for id, count := range m {
		rooms = append(rooms, Room{ID: id, Count: count})
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Count != rooms[j].Count {
			return rooms[i].Count > rooms[j].Count
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

// Total returns the sum of all counts.
func (m Map) Total() int {
	total := 0
	for _, c := range m {
		total += c
	}
	return total
}

var compactUnits = []string{"", "K", "M", "B", "T"}

// FormatCount renders n in compact notation: 999, 1.2K, 15K, 3.4M.
func FormatCount(n int) string {
	if n < 0 {
		return "-" + FormatCount(-n)
	}
	if n < 1000 {
		return strconv.Itoa(n)
	}
	value := float64(n)
	unit := 0
	for value >= 1000 && unit < len(compactUnits)-1 {
		value /= 1000
		unit++
	}
	var rounded float64
	if value < 10 {
		rounded = math.Round(value*10) / 10
	} else {
		rounded = math.Round(value)
	}
	if rounded >= 1000 && unit < len(compactUnits)-1 {
		rounded /= 1000
		unit++
	}
	return strconv.FormatFloat(rounded, 'f', -1, 64) + compactUnits[unit]
}
