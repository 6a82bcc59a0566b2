// Package eventbus is the one-way delivery path that lets external agents
// observe a room without joining it as viewers.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Event is the envelope written to every subscriber.
type Event struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Subscriber is one agent's live subscription to a room.
type Subscriber struct {
	AgentID     string
	Name        string
	Transport   transport.Transport
	ConnectedAt time.Time
	LastSeen    time.Time
}

type roomSubs struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// Option configures a Bus.
type Option func(*Bus)

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus keeps subscribers per room. Delivery happens under the room's own
// lock; the map lock is taken first whenever both are needed.
type Bus struct {
	now   func() time.Time
	rooms map[string]*roomSubs
	mu    sync.RWMutex
}

func New(opts ...Option) *Bus {
	b := &Bus{
		now:   time.Now,
		rooms: make(map[string]*roomSubs),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) room(roomID string) *roomSubs {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rooms[roomID]
}

// Subscribe registers t for (roomID, agentID). A live subscription for the
// same agent is closed first; superseded reports that case so callers can
// skip announcing a reconnect.
func (b *Bus) Subscribe(roomID, agentID, name string, t transport.Transport) (superseded bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.rooms[roomID]
	if !ok {
		rs = &roomSubs{subs: make(map[string]*Subscriber)}
		b.rooms[roomID] = rs
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if old, ok := rs.subs[agentID]; ok {
		superseded = true
		if old.Transport != t {
			old.Transport.Close()
		}
	}
	rs.subs[agentID] = &Subscriber{
		AgentID:     agentID,
		Name:        name,
		Transport:   t,
		ConnectedAt: now,
		LastSeen:    now,
	}
	return superseded
}

// Publish writes one event to every subscriber of roomID except
// excludeAgentID. Subscribers whose write fails are dropped. It returns the
// number of successful deliveries.
func (b *Bus) Publish(roomID, eventType string, data interface{}, excludeAgentID string) int {
	rs := b.room(roomID)
	if rs == nil {
		return 0
	}
	now := b.now()
	payload, err := json.Marshal(Event{Type: eventType, RoomID: roomID, Timestamp: now.UnixMilli(), Data: data})
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Str("event_type", eventType).Msg("failed to marshal bus event")
		return 0
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	delivered := 0
	for id, s := range rs.subs {
		if id == excludeAgentID {
			continue
		}
		if err := s.Transport.Send(payload); err != nil {
			delete(rs.subs, id)
			s.Transport.Close()
			l := log.L()
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldAgentID, id).Msg("dropped subscriber after failed write")
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo writes an event to a single subscriber.
func (b *Bus) SendTo(roomID, agentID, eventType string, data interface{}) error {
	rs := b.room(roomID)
	if rs == nil {
		return transport.ErrClosed
	}
	payload, err := json.Marshal(Event{Type: eventType, RoomID: roomID, Timestamp: b.now().UnixMilli(), Data: data})
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s, ok := rs.subs[agentID]
	if !ok {
		return transport.ErrClosed
	}
	return s.Transport.Send(payload)
}

// Unsubscribe removes and closes the agent's subscription.
func (b *Bus) Unsubscribe(roomID, agentID string) bool {
	return b.release(roomID, agentID, nil)
}

// Release removes the subscription only if it still uses t, so a superseded
// stream shutting down leaves its replacement alone.
func (b *Bus) Release(roomID, agentID string, t transport.Transport) bool {
	return b.release(roomID, agentID, t)
}

func (b *Bus) release(roomID, agentID string, t transport.Transport) bool {
	rs := b.room(roomID)
	if rs == nil {
		return false
	}
	rs.mu.Lock()
	s, ok := rs.subs[agentID]
	if !ok || (t != nil && s.Transport != t) {
		rs.mu.Unlock()
		return false
	}
	delete(rs.subs, agentID)
	empty := len(rs.subs) == 0
	rs.mu.Unlock()

	s.Transport.Close()
	if empty {
		b.dropIfEmpty(roomID, rs)
	}
	return true
}

// ClearRoom closes every subscriber of roomID and forgets the room.
func (b *Bus) ClearRoom(roomID string) int {
	b.mu.Lock()
	rs, ok := b.rooms[roomID]
	delete(b.rooms, roomID)
	b.mu.Unlock()
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := len(rs.subs)
	for id, s := range rs.subs {
		s.Transport.Close()
		delete(rs.subs, id)
	}
	return n
}

// Touch records liveness for a subscriber. Adapters call it after a frame
// reaches the network or on an explicit heartbeat; queuing does not count.
func (b *Bus) Touch(roomID, agentID string) bool {
	rs := b.room(roomID)
	if rs == nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s, ok := rs.subs[agentID]
	if ok {
		s.LastSeen = b.now()
	}
	return ok
}

// SweepIdle drops subscribers not seen for longer than timeout and returns
// them, keyed by room.
func (b *Bus) SweepIdle(timeout time.Duration) map[string][]Subscriber {
	now := b.now()
	out := make(map[string][]Subscriber)
	for roomID, rs := range b.snapshot() {
		rs.mu.Lock()
		for id, s := range rs.subs {
			if now.Sub(s.LastSeen) > timeout {
				delete(rs.subs, id)
				s.Transport.Close()
				out[roomID] = append(out[roomID], *s)
			}
		}
		empty := len(rs.subs) == 0
		rs.mu.Unlock()
		if empty {
			b.dropIfEmpty(roomID, rs)
		}
	}
	return out
}

// Subscribers lists a room's current subscribers.
func (b *Bus) Subscribers(roomID string) []Subscriber {
	rs := b.room(roomID)
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Subscriber, 0, len(rs.subs))
	for _, s := range rs.subs {
		out = append(out, *s)
	}
	return out
}

func (b *Bus) Count(roomID string) int {
	rs := b.room(roomID)
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.subs)
}

// Rooms lists rooms that currently have subscribers.
func (b *Bus) Rooms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bus) snapshot() map[string]*roomSubs {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*roomSubs, len(b.rooms))
	for id, rs := range b.rooms {
		out[id] = rs
	}
	return out
}

// dropIfEmpty removes rs from the table if it is still the entry for roomID
// and has no subscribers.
func (b *Bus) dropIfEmpty(roomID string, rs *roomSubs) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[roomID] != rs {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.subs) == 0 {
		delete(b.rooms, roomID)
	}
}

// PublishAll sends the same event kind to every room with subscribers.
func (b *Bus) PublishAll(eventType string, data interface{}) int {
	total := 0
	for _, roomID := range b.Rooms() {
		total += b.Publish(roomID, eventType, data, "")
	}
	return total
}
