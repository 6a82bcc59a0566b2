package domain

import (
	"sync"
	"time"
)

// Session is the protocol state bound to one live connection.
type Session struct {
	ID            string
	identity      *Identity
	authenticated bool
	role          Role
	roomID        string
	createdAt     time.Time
	lastHeartbeat time.Time
	mu            sync.RWMutex
}

func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:            id,
		createdAt:     now,
		lastHeartbeat: now,
	}
}

func (s *Session) Authenticate(id *Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
	s.authenticated = true
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Identity returns a copy of the authenticated identity, or nil.
func (s *Session) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	cp := *s.identity
	return &cp
}

func (s *Session) Join(roomID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.role = role
}

// Leave clears the room binding and returns what it was.
func (s *Session) Leave() (string, Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, role := s.roomID, s.role
	s.roomID = ""
	s.role = ""
	return roomID, role
}

func (s *Session) Room() (string, Role) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID, s.role
}

func (s *Session) IsJoined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID != ""
}

func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}
