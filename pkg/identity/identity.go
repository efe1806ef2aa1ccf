// Package identity holds the session identity (opaque id, display name, room) that gates room joins.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	// MaxNameLength is the longest accepted display name after normalization.
	MaxNameLength = 10
	// MaxRoomLength is the longest accepted room name after normalization.
	MaxRoomLength = 25
	// IDLength is the length of generated user ids.
	IDLength = 21

	defaultNamePrefix  = "user-"
	defaultNameIDRunes = 5
)

// ErrIncomplete indicates a join was attempted while id, name or room is missing.
var ErrIncomplete = errors.New("identity incomplete")

var disallowed = regexp.MustCompile(`[^\w!\-?]`)

// Identity is the user-facing session record. Empty strings mean absent.
type Identity struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Room string `json:"room,omitempty"`
}

// Missing lists the names of required fields that are empty.
func (i Identity) Missing() []string {
	var missing []string
	if strings.TrimSpace(i.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(i.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(i.Room) == "" {
		missing = append(missing, "room")
	}
	return missing
}

// Complete reports whether every required field is present.
func (i Identity) Complete() bool {
	return len(i.Missing()) == 0
}

// Validate returns an error wrapping ErrIncomplete naming the missing fields.
func (i Identity) Validate() error {
	if missing := i.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

// Patch is a partial identity update; nil fields are left untouched.
type Patch struct {
	ID   *string
	Name *string
	Room *string
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// NormalizeName strips characters outside [A-Za-z0-9_!?-] and truncates to MaxNameLength.
func NormalizeName(name string) string {
	return truncate(disallowed.ReplaceAllString(strings.TrimSpace(name), ""), MaxNameLength)
}

// NormalizeRoom strips disallowed characters, lowercases, and truncates to MaxRoomLength.
func NormalizeRoom(room string) string {
	cleaned := disallowed.ReplaceAllString(strings.TrimSpace(room), "")
	return truncate(strings.ToLower(cleaned), MaxRoomLength)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Store is the single mutation point for the session identity.
// It is safe for concurrent use and lives for the whole process.
type Store struct {
	mu       sync.RWMutex
	current  Identity
	generate func() string
}

// Option configures a Store.
type Option func(*Store)

// WithGenerator overrides the id generator.
func WithGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.generate = gen
		}
	}
}

// NewStore creates an empty identity store backed by a nanoid generator.
func NewStore(opts ...Option) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.generate == nil {
		gen, err := nanoid.Standard(IDLength)
		if err != nil {
			return nil, fmt.Errorf("create id generator: %w", err)
		}
		s.generate = gen
	}
	return s, nil
}

// Get returns a copy of the current identity.
func (s *Store) Get() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set shallow-merges p into the current identity. Name and room are normalized.
// An id is only written when none is set yet.
func (s *Store) Set(p Patch) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(p)
	return s.current
}

func (s *Store) apply(p Patch) {
	if p.ID != nil && s.current.ID == "" {
		s.current.ID = strings.TrimSpace(*p.ID)
	}
	if p.Name != nil {
		s.current.Name = NormalizeName(*p.Name)
	}
	if p.Room != nil {
		s.current.Room = NormalizeRoom(*p.Room)
	}
}

// EnsureID generates the id on first call and returns the stable id afterwards.
func (s *Store) EnsureID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureID()
}

func (s *Store) ensureID() string {
	if s.current.ID == "" {
		s.current.ID = s.generate()
	}
	return s.current.ID
}

// Join is the join action from the join form: it lazily assigns the id and
// returns the identity, or ErrIncomplete when name or room is still missing.
func (s *Store) Join() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureID()
	return s.current, s.current.Validate()
}

// JoinRoom is the join action from the room list: it assigns the id if needed,
// defaults the name to "user-<id prefix>" when unset, and switches to room.
func (s *Store) JoinRoom(room string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ensureID()
	if s.current.Name == "" {
		s.current.Name = NormalizeName(defaultNamePrefix + truncate(id, defaultNameIDRunes))
	}
	s.apply(Patch{Room: &room})
	return s.current, s.current.Validate()
}
