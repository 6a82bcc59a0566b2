package room

import (
	"encoding/json"
	"time"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
)

const bannedNotice = "You have been banned from this stream"

// ban records a ban until the given expiry and evicts the target if it is
// currently viewing. The evicted member is returned.
func (r *Room) ban(targetID string, until time.Time) (*Member, error) {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return nil, ErrRoomNotFound
	}
	if targetID == r.OwnerID {
		return nil, ErrProtectedTarget
	}
	r.bans.Set(targetID, until)

	m, ok := r.viewers[targetID]
	if !ok {
		return nil, nil
	}
	if data, err := json.Marshal(domain.NewSystemMessage(bannedNotice)); err == nil {
		m.Transport.Send(data)
	}
	m.Transport.Close()
	delete(r.viewers, targetID)
	r.sendLocked(domain.NewViewerLeave(targetID, m.Identity.Username, len(r.viewers)), "")
	return m, nil
}

func (r *Room) unban(targetID string) bool {
	r.mu.Lock()
	defer r.unlock()
	return r.bans.Remove(targetID)
}

// IsBanned reports an active in-memory ban.
func (r *Room) IsBanned(id string) bool {
	r.mu.Lock()
	defer r.unlock()
	return r.bans.Active(id, r.now())
}

func (r *Room) mute(targetID string, until time.Time) error {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return ErrRoomNotFound
	}
	if targetID == r.OwnerID {
		return ErrProtectedTarget
	}
	r.guard.Mute(targetID, until)
	return nil
}

func (r *Room) unmute(targetID string) bool {
	r.mu.Lock()
	defer r.unlock()
	return r.guard.Unmute(targetID)
}

// IsMuted reports an active in-memory mute.
func (r *Room) IsMuted(id string) bool {
	r.mu.Lock()
	defer r.unlock()
	return r.guard.IsMuted(id, r.now())
}

func (r *Room) addMod(targetID string) error {
	r.mu.Lock()
	defer r.unlock()
	if r.ended {
		return ErrRoomNotFound
	}
	if targetID == r.OwnerID {
		return ErrProtectedTarget
	}
	r.mods[targetID] = struct{}{}
	if m, ok := r.viewers[targetID]; ok {
		m.Role = domain.RoleMod
	}
	return nil
}

func (r *Room) removeMod(targetID string) bool {
	r.mu.Lock()
	defer r.unlock()
	if _, ok := r.mods[targetID]; !ok {
		return false
	}
	delete(r.mods, targetID)
	if m, ok := r.viewers[targetID]; ok {
		m.Role = domain.RoleViewer
	}
	return true
}

func (r *Room) setSlowMode(seconds int) {
	r.mu.Lock()
	defer r.unlock()
	r.guard.SetSlowMode(seconds)
}

func (r *Room) clearChat() {
	r.mu.Lock()
	defer r.unlock()
	r.guard.ClearHistory()
}
