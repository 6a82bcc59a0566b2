// Package room is the in-memory authority over live rooms: membership,
// moderation state and the terminal replay buffer.
//
// The registry lock guards only the room table. Each Room serializes its own
// state, so traffic in one room never waits on another.
package room

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/guard"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
)

const (
	defaultEndedTTL = 5 * time.Minute
	maxEndedRooms   = 4096
)

// Config holds room limits. EndedTTL bounds how long an ended room id is
// refused by CreateRoom when nothing calls ForgetEnded for it.
type Config struct {
	MaxViewers       int
	ReplayBufferSize int
	EndedTTL         time.Duration
	Guard            guard.Config
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type Registry struct {
	cfg    Config
	now    func() time.Time
	onDrop func(Dropped)
	rooms  map[string]*Room
	ended  map[string]time.Time
	mu     sync.RWMutex
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.EndedTTL <= 0 {
		cfg.EndedTTL = defaultEndedTTL
	}
	r := &Registry{
		cfg:   cfg,
		now:   time.Now,
		rooms: make(map[string]*Room),
		ended: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDropHook reports members pruned after a failed send, once the room
// lock is released. Rooms created earlier keep the previous hook.
func (reg *Registry) SetDropHook(fn func(Dropped)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.onDrop = fn
}

// SetMaxViewers changes the viewer cap for rooms created afterwards.
func (reg *Registry) SetMaxViewers(n int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.cfg.MaxViewers = n
}

// CreateRoom registers a new room. One active room per owner is enforced by
// the caller against the Store, not here. An id ended within EndedTTL is
// refused with ErrRoomEnded until ForgetEnded is called for it.
func (reg *Registry) CreateRoom(p Params) (*Room, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.StreamID == "" {
		p.StreamID = p.ID
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.rooms[p.ID]; ok {
		return nil, ErrRoomExists
	}
	if reg.endedLocked(p.ID) {
		return nil, ErrRoomEnded
	}
	r := newRoom(p, reg.cfg, reg.now)
	r.onDrop = reg.onDrop
	reg.rooms[p.ID] = r
	return r, nil
}

// RecentlyEnded reports whether roomID ended within EndedTTL.
func (reg *Registry) RecentlyEnded(roomID string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.endedLocked(roomID)
}

// ForgetEnded lets roomID be created again, typically once the stream's
// end has been persisted.
func (reg *Registry) ForgetEnded(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.ended, roomID)
}

func (reg *Registry) endedLocked(roomID string) bool {
	at, ok := reg.ended[roomID]
	return ok && reg.now().Sub(at) < reg.cfg.EndedTTL
}

// markEndedLocked records roomID, expiring old entries and evicting the
// oldest once the table is full.
func (reg *Registry) markEndedLocked(roomID string) {
	now := reg.now()
	for id, at := range reg.ended {
		if now.Sub(at) >= reg.cfg.EndedTTL {
			delete(reg.ended, id)
		}
	}
	if len(reg.ended) >= maxEndedRooms {
		oldest, oldestAt := "", now
		for id, at := range reg.ended {
			if !at.After(oldestAt) {
				oldest, oldestAt = id, at
			}
		}
		delete(reg.ended, oldest)
	}
	reg.ended[roomID] = now
}

func (reg *Registry) Get(roomID string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// FindByOwner returns the live room owned by ownerID, if any.
func (reg *Registry) FindByOwner(ownerID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, r := range reg.rooms {
		if r.OwnerID == ownerID {
			return r, true
		}
	}
	return nil, false
}

// SetBroadcaster attaches the owner's connection. It never replaces a
// present broadcaster; that requires teardown first.
func (reg *Registry) SetBroadcaster(roomID string, b Broadcaster) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}
	return r.setBroadcaster(b)
}

// RemoveBroadcaster clears the broadcaster regardless of transport.
func (reg *Registry) RemoveBroadcaster(roomID string) bool {
	r, err := reg.Get(roomID)
	if err != nil {
		return false
	}
	return r.detachBroadcaster("", nil)
}

// DetachBroadcaster clears the broadcaster only if it is still id on t.
func (reg *Registry) DetachBroadcaster(roomID, id string, t transport.Transport) bool {
	r, err := reg.Get(roomID)
	if err != nil {
		return false
	}
	return r.detachBroadcaster(id, t)
}

// AddViewer admits m. If welcome is non-nil its result is sent to m before
// any other room traffic, carrying the state m joined into. A second join by
// the same identity supersedes the first connection without a viewer_join.
func (reg *Registry) AddViewer(roomID string, m Member, welcome func(JoinSnapshot) interface{}) (JoinResult, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return JoinResult{}, err
	}
	return r.addViewer(m, welcome)
}

// RemoveViewer is a no-op when id is absent.
func (reg *Registry) RemoveViewer(roomID, id string) bool {
	r, err := reg.Get(roomID)
	if err != nil {
		return false
	}
	_, ok := r.removeViewer(id, nil)
	return ok
}

// DetachViewer removes id only while t is still its transport, so a
// superseded connection tearing down cannot evict its replacement.
func (reg *Registry) DetachViewer(roomID, id string, t transport.Transport) bool {
	r, err := reg.Get(roomID)
	if err != nil {
		return false
	}
	_, ok := r.removeViewer(id, t)
	return ok
}

// EndRoom announces stream_end, closes every member and forgets the room.
// The second call for the same room returns false. The id stays refused by
// CreateRoom until ForgetEnded or EndedTTL.
func (reg *Registry) EndRoom(roomID, reason string) (*Ended, bool) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if ok {
		delete(reg.rooms, roomID)
		reg.markEndedLocked(roomID)
	}
	reg.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.end(reason)
}

func (reg *Registry) Broadcast(roomID string, msg interface{}, excludeID string) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}
	return r.Broadcast(msg, excludeID)
}

// AppendTerminalData records data in the replay buffer and forwards it.
func (reg *Registry) AppendTerminalData(roomID, data string) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}
	return r.appendTerminal(data)
}

func (reg *Registry) Resize(roomID string, cols, rows int) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}
	return r.resize(cols, rows)
}

// Ban records a ban (until guard.Never for permanent) and evicts the target.
func (reg *Registry) Ban(roomID, targetID string, d time.Duration) (*Member, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return nil, err
	}
	return r.ban(targetID, guard.Until(reg.now(), d))
}

func (reg *Registry) Unban(roomID, targetID string) (bool, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return false, err
	}
	return r.unban(targetID), nil
}

func (reg *Registry) Mute(roomID, targetID string, d time.Duration) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}
	return r.mute(targetID, guard.Until(reg.now(), d))
}

func (reg *Registry) Unmute(roomID, targetID string) (bool, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return false, err
	}
	return r.unmute(targetID), nil
}

func (reg *Registry) AddMod(roomID, targetID string) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}
	return r.addMod(targetID)
}

func (reg *Registry) RemoveMod(roomID, targetID string) (bool, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return false, err
	}
	return r.removeMod(targetID), nil
}

func (reg *Registry) CanModerate(roomID, id string) bool {
	r, err := reg.Get(roomID)
	if err != nil {
		return false
	}
	return r.CanModerate(id)
}

func (reg *Registry) SetSlowMode(roomID string, seconds int) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}
	r.setSlowMode(seconds)
	return nil
}

// ClearChat forgets the room's duplicate window. Persisted history is the
// Store's concern.
func (reg *Registry) ClearChat(roomID string) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}
	r.clearChat()
	return nil
}

// Admit checks and records a post atomically with respect to the room.
func (reg *Registry) Admit(roomID, senderID, content string, exempt bool) (guard.Decision, domain.Role, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return guard.Decision{}, "", err
	}
	return r.Admit(senderID, content, exempt)
}

func (reg *Registry) ViewerList(roomID string) ([]ViewerInfo, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return nil, err
	}
	return r.Viewers(), nil
}

// ActiveRooms returns a snapshot of every room, newest first.
func (reg *Registry) ActiveRooms() []domain.StreamInfo {
	out := make([]domain.StreamInfo, 0)
	for _, r := range reg.snapshot() {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// IdleRooms lists rooms without a broadcaster that have been quiet longer
// than timeout.
func (reg *Registry) IdleRooms(timeout time.Duration) []string {
	now := reg.now()
	var ids []string
	for _, r := range reg.snapshot() {
		if r.Idle(now, timeout) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// RoomIDs lists every live room.
func (reg *Registry) RoomIDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

func (reg *Registry) snapshot() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}
