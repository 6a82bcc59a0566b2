package room

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/guard"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Member is a viewer connection inside a room.
type Member struct {
	Identity  domain.Identity
	Role      domain.Role
	Transport transport.Transport
	JoinedAt  time.Time
}

// Broadcaster is the single connection producing a room's terminal output.
type Broadcaster struct {
	Identity    domain.Identity
	Transport   transport.Transport
	Cols        int
	Rows        int
	ConnectedAt time.Time
}

// ViewerInfo is a read-only view of a member for discovery and /viewers.
type ViewerInfo struct {
	UserID   string      `json:"userId"`
	Username string      `json:"username"`
	Role     domain.Role `json:"role"`
	IsAgent  bool        `json:"isAgent"`
	JoinedAt time.Time   `json:"joinedAt"`
}

// JoinSnapshot is the room state a viewer sees at the instant it joins.
type JoinSnapshot struct {
	Info           domain.StreamInfo
	Role           domain.Role
	TerminalBuffer string
}

// JoinResult reports the outcome of AddViewer.
type JoinResult struct {
	Role        domain.Role
	ViewerCount int
	Superseded  bool
}

// Ended is what remains of a room after EndRoom.
type Ended struct {
	Info           domain.StreamInfo
	Reason         string
	TerminalBuffer string
	ViewerCount    int
}

// Params describes a room to create.
type Params struct {
	ID           string
	StreamID     string
	OwnerID      string
	OwnerName    string
	Title        string
	PasswordHash []byte
	MaxViewers   int
	Mods         []string
	Restored     bool
}

// Room holds one live session. Every field below mu is guarded by it.
type Room struct {
	ID           string
	StreamID     string
	OwnerID      string
	OwnerName    string
	Title        string
	CreatedAt    time.Time
	Restored     bool
	passwordHash []byte
	maxViewers   int
	now          func() time.Time

	mu           sync.Mutex
	ended        bool
	broadcaster  *Broadcaster
	lastSize     [2]int
	viewers      map[string]*Member
	mods         map[string]struct{}
	bans         *guard.ExpiryTable
	guard        *guard.Guard
	replay       *ReplayBuffer
	lastActivity time.Time
	onDrop       func(Dropped)
	dropped      []Dropped
}

// Dropped is a member pruned after a failed send. ViewerCount is the count
// left behind.
type Dropped struct {
	RoomID      string
	StreamID    string
	Identity    domain.Identity
	Broadcaster bool
	ViewerCount int
}

// unlock releases the room and then reports members pruned while it was
// held. Drops of an ended room are not reported.
func (r *Room) unlock() {
	dropped := r.dropped
	r.dropped = nil
	ended := r.ended
	r.mu.Unlock()
	if r.onDrop == nil || ended {
		return
	}
	for _, d := range dropped {
		r.onDrop(d)
	}
}

func newRoom(p Params, cfg Config, now func() time.Time) *Room {
	maxViewers := cfg.MaxViewers
	if p.MaxViewers > 0 && (maxViewers <= 0 || p.MaxViewers < maxViewers) {
		maxViewers = p.MaxViewers
	}
	created := now()
	r := &Room{
		ID:           p.ID,
		StreamID:     p.StreamID,
		OwnerID:      p.OwnerID,
		OwnerName:    p.OwnerName,
		Title:        p.Title,
		CreatedAt:    created,
		Restored:     p.Restored,
		passwordHash: p.PasswordHash,
		maxViewers:   maxViewers,
		now:          now,
		viewers:      make(map[string]*Member),
		mods:         make(map[string]struct{}),
		bans:         guard.NewExpiryTable(),
		guard:        guard.New(cfg.Guard),
		replay:       NewReplayBuffer(cfg.ReplayBufferSize),
		lastActivity: created,
	}
	for _, id := range p.Mods {
		r.mods[id] = struct{}{}
	}
	return r
}

// HashPassword returns the bcrypt hash stored for private rooms.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

func (r *Room) IsPrivate() bool {
	return len(r.passwordHash) > 0
}

// CheckPassword verifies a join password. Public rooms accept anything.
func (r *Room) CheckPassword(password string) error {
	if !r.IsPrivate() {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(r.passwordHash, []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}

func (r *Room) Info() domain.StreamInfo {
	r.mu.Lock()
	defer r.unlock()
	return r.infoLocked()
}

func (r *Room) infoLocked() domain.StreamInfo {
	info := domain.StreamInfo{
		RoomID:      r.ID,
		StreamID:    r.StreamID,
		Title:       r.Title,
		OwnerID:     r.OwnerID,
		OwnerName:   r.OwnerName,
		IsPrivate:   r.IsPrivate(),
		Live:        r.broadcaster != nil,
		Cols:        r.lastSize[0],
		Rows:        r.lastSize[1],
		ViewerCount: len(r.viewers),
		SlowMode:    r.guard.SlowModeSeconds(),
		StartedAt:   r.CreatedAt,
	}
	return info
}

func (r *Room) roleLocked(id string) domain.Role {
	if id == r.OwnerID {
		return domain.RoleBroadcaster
	}
	if _, ok := r.mods[id]; ok {
		return domain.RoleMod
	}
	return domain.RoleViewer
}

func (r *Room) touchLocked() {
	r.lastActivity = r.now()
}

// deliverLocked fans data out to the broadcaster and every viewer except
// excludeID. A recipient whose send fails is pruned, its transport closed,
// and the rest of the room told about it.
func (r *Room) deliverLocked(data []byte, excludeID string) {
	var dropped []*Member
	lostBroadcaster := false

	if b := r.broadcaster; b != nil && b.Identity.UserID != excludeID {
		if err := b.Transport.Send(data); err != nil {
			lostBroadcaster = true
		}
	}
	for id, m := range r.viewers {
		if id == excludeID {
			continue
		}
		if err := m.Transport.Send(data); err != nil {
			delete(r.viewers, id)
			dropped = append(dropped, m)
		}
	}

	l := log.L()
	for _, m := range dropped {
		m.Transport.Close()
		l.Warn().Str(log.FieldRoomID, r.ID).Str(log.FieldUserID, m.Identity.UserID).Msg("pruned viewer after failed send")
		r.dropped = append(r.dropped, Dropped{RoomID: r.ID, StreamID: r.StreamID, Identity: m.Identity, ViewerCount: len(r.viewers)})
		r.sendLocked(domain.NewViewerLeave(m.Identity.UserID, m.Identity.Username, len(r.viewers)), "")
	}
	if lostBroadcaster && r.broadcaster != nil {
		b := r.broadcaster
		r.broadcaster = nil
		b.Transport.Close()
		l.Warn().Str(log.FieldRoomID, r.ID).Str(log.FieldUserID, b.Identity.UserID).Msg("pruned broadcaster after failed send")
		r.dropped = append(r.dropped, Dropped{RoomID: r.ID, StreamID: r.StreamID, Identity: b.Identity, Broadcaster: true, ViewerCount: len(r.viewers)})
		r.sendLocked(domain.NewStreamEnd(r.StreamID, domain.EndReasonDisconnected), "")
	}
}

func (r *Room) sendLocked(msg interface{}, excludeID string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.deliverLocked(data, excludeID)
	return nil
}

// Broadcast serializes msg once and delivers it to the whole room.
func (r *Room) Broadcast(msg interface{}, excludeID string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return ErrRoomNotFound
	}
	r.deliverLocked(data, excludeID)
	return nil
}

// SendTo delivers msg to a single member or the broadcaster.
func (r *Room) SendTo(id string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.unlock()
	if m, ok := r.viewers[id]; ok {
		return m.Transport.Send(data)
	}
	if r.broadcaster != nil && r.broadcaster.Identity.UserID == id {
		return r.broadcaster.Transport.Send(data)
	}
	return ErrRoomNotFound
}

func (r *Room) setBroadcaster(b Broadcaster) error {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return ErrRoomNotFound
	}
	if b.Identity.UserID != r.OwnerID {
		return ErrNotOwner
	}
	if r.broadcaster != nil {
		return ErrBroadcasterPresent
	}
	if b.ConnectedAt.IsZero() {
		b.ConnectedAt = r.now()
	}
	if b.Cols > 0 && b.Rows > 0 {
		r.lastSize = [2]int{b.Cols, b.Rows}
	}
	r.broadcaster = &b
	r.touchLocked()
	return nil
}

// detachBroadcaster clears the broadcaster if it matches id and, when t is
// non-nil, the same transport. The room itself survives for reconnection.
func (r *Room) detachBroadcaster(id string, t transport.Transport) bool {
	r.mu.Lock()
	defer r.unlock()
	b := r.broadcaster
	if r.ended || b == nil {
		return false
	}
	if id != "" && b.Identity.UserID != id {
		return false
	}
	if t != nil && b.Transport != t {
		return false
	}
	r.broadcaster = nil
	r.touchLocked()
	r.sendLocked(domain.NewStreamEnd(r.StreamID, domain.EndReasonDisconnected), "")
	return true
}

// HasBroadcaster reports whether a broadcaster is attached.
func (r *Room) HasBroadcaster() bool {
	r.mu.Lock()
	defer r.unlock()
	return r.broadcaster != nil
}

func (r *Room) addViewer(m Member, welcome func(JoinSnapshot) interface{}) (JoinResult, error) {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return JoinResult{}, ErrRoomNotFound
	}
	id := m.Identity.UserID
	now := r.now()
	if r.bans.Active(id, now) {
		return JoinResult{}, ErrBanned
	}
	existing := r.viewers[id]
	if existing == nil && r.maxViewers > 0 && len(r.viewers) >= r.maxViewers {
		return JoinResult{}, ErrRoomFull
	}

	m.Role = r.roleLocked(id)
	if m.JoinedAt.IsZero() {
		m.JoinedAt = now
	}

	if welcome != nil {
		snap := JoinSnapshot{Info: r.infoLocked(), Role: m.Role, TerminalBuffer: r.replay.String()}
		if existing == nil {
			snap.Info.ViewerCount++
		}
		data, err := json.Marshal(welcome(snap))
		if err != nil {
			return JoinResult{}, err
		}
		if err := m.Transport.Send(data); err != nil {
			return JoinResult{}, err
		}
	}

	r.viewers[id] = &m
	r.touchLocked()
	if existing != nil {
		if existing.Transport != m.Transport {
			existing.Transport.Close()
		}
		return JoinResult{Role: m.Role, ViewerCount: len(r.viewers), Superseded: true}, nil
	}

	count := len(r.viewers)
	r.sendLocked(domain.NewViewerJoin(id, m.Identity.Username, count), id)
	return JoinResult{Role: m.Role, ViewerCount: count}, nil
}

// removeViewer drops id when its transport matches t (any transport if t is nil).
func (r *Room) removeViewer(id string, t transport.Transport) (*Member, bool) {
	r.mu.Lock()
	defer r.unlock()
	m, ok := r.viewers[id]
	if r.ended || !ok {
		return nil, false
	}
	if t != nil && m.Transport != t {
		return nil, false
	}
	delete(r.viewers, id)
	r.sendLocked(domain.NewViewerLeave(id, m.Identity.Username, len(r.viewers)), "")
	return m, true
}

func (r *Room) end(reason string) (*Ended, bool) {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return nil, false
	}
	r.sendLocked(domain.NewStreamEnd(r.StreamID, reason), "")

	out := &Ended{
		Info:           r.infoLocked(),
		Reason:         reason,
		TerminalBuffer: r.replay.String(),
		ViewerCount:    len(r.viewers),
	}
	r.ended = true
	for id, m := range r.viewers {
		m.Transport.Close()
		delete(r.viewers, id)
	}
	if r.broadcaster != nil {
		r.broadcaster.Transport.Close()
		r.broadcaster = nil
	}
	r.replay.Reset()
	return out, true
}

func (r *Room) appendTerminal(data string) error {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return ErrRoomNotFound
	}
	r.replay.Write(data)
	r.touchLocked()
	exclude := ""
	if r.broadcaster != nil {
		exclude = r.broadcaster.Identity.UserID
	}
	return r.sendLocked(domain.NewTerminalMessage(data), exclude)
}

func (r *Room) resize(cols, rows int) error {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return ErrRoomNotFound
	}
	r.lastSize = [2]int{cols, rows}
	if r.broadcaster != nil {
		r.broadcaster.Cols, r.broadcaster.Rows = cols, rows
	}
	exclude := ""
	if r.broadcaster != nil {
		exclude = r.broadcaster.Identity.UserID
	}
	return r.sendLocked(domain.NewTerminalResize(cols, rows), exclude)
}

// RoleOf returns the role id holds in this room and whether it is present.
func (r *Room) RoleOf(id string) (domain.Role, bool) {
	r.mu.Lock()
	defer r.unlock()
	_, viewing := r.viewers[id]
	broadcasting := r.broadcaster != nil && r.broadcaster.Identity.UserID == id
	return r.roleLocked(id), viewing || broadcasting
}

// CanModerate is true for the owner and for mods.
func (r *Room) CanModerate(id string) bool {
	r.mu.Lock()
	defer r.unlock()
	role := r.roleLocked(id)
	return role == domain.RoleBroadcaster || role == domain.RoleMod
}

// IsMod reports membership in the mod set only.
func (r *Room) IsMod(id string) bool {
	r.mu.Lock()
	defer r.unlock()
	_, ok := r.mods[id]
	return ok
}

// Admit runs the posting guard for id and records an accepted post.
func (r *Room) Admit(id, content string, exempt bool) (guard.Decision, domain.Role, error) {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return guard.Decision{}, "", ErrRoomNotFound
	}
	role := r.roleLocked(id)
	d := r.guard.Admit(id, content, exempt || role.Exempt(), r.now())
	if d.Allowed() {
		r.touchLocked()
	}
	return d, role, nil
}

// FindByName resolves a present member or the broadcaster by display name,
// case-insensitively.
func (r *Room) FindByName(name string) (*domain.Identity, bool) {
	r.mu.Lock()
	defer r.unlock()
	if b := r.broadcaster; b != nil && strings.EqualFold(b.Identity.Username, name) {
		id := b.Identity
		return &id, true
	}
	for _, m := range r.viewers {
		if strings.EqualFold(m.Identity.Username, name) {
			id := m.Identity
			return &id, true
		}
	}
	return nil, false
}

func (r *Room) Viewers() []ViewerInfo {
	r.mu.Lock()
	defer r.unlock()
	out := make([]ViewerInfo, 0, len(r.viewers))
	for _, m := range r.viewers {
		out = append(out, ViewerInfo{
			UserID:   m.Identity.UserID,
			Username: m.Identity.Username,
			Role:     m.Role,
			IsAgent:  m.Identity.IsAgent,
			JoinedAt: m.JoinedAt,
		})
	}
	return out
}

func (r *Room) ViewerCount() int {
	r.mu.Lock()
	defer r.unlock()
	return len(r.viewers)
}

// Idle reports whether the room has no broadcaster and has been quiet
// longer than timeout.
func (r *Room) Idle(now time.Time, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.unlock()
	return !r.ended && r.broadcaster == nil && now.Sub(r.lastActivity) > timeout
}

