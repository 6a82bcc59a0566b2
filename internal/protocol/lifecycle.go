package protocol

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/audit"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Teardown releases whatever c holds. It is the single cleanup path for
// closed sockets, stale connections and explicit leaves, and is safe to call
// more than once.
func (h *Handler) Teardown(ctx context.Context, c Conn) {
	h.leaveCurrent(ctx, c, audit.ActionDisconnect)
}

func (h *Handler) leaveCurrent(ctx context.Context, c Conn, action string) {
	sess := c.Session()
	roomID, role := sess.Leave()
	if roomID == "" {
		return
	}
	id := sess.Identity()
	if id == nil {
		return
	}

	if role == domain.RoleBroadcaster {
		if h.rooms.DetachBroadcaster(roomID, id.UserID, c) {
			h.publish(roomID, domain.EventStreamEnd, streamEndEvent(h.rooms, roomID, domain.EndReasonDisconnected), "")
			if r, err := h.rooms.Get(roomID); err == nil {
				h.advertise(r)
			}
			audit.Record(ctx, audit.Entry{Action: action, UserID: id.UserID, RoomID: roomID, Detail: string(role)}, "broadcaster detached")
		}
		return
	}

	r, err := h.rooms.Get(roomID)
	if err != nil || !h.rooms.DetachViewer(roomID, id.UserID, c) {
		return
	}
	count := r.ViewerCount()
	h.publish(roomID, domain.EventViewerLeave, domain.NewViewerLeave(id.UserID, id.Username, count), "")
	if id.IsAgent {
		h.publish(roomID, domain.EventAgentLeave, &domain.AgentEvent{AgentID: id.UserID, AgentName: id.Username}, "")
	}
	audit.Record(ctx, audit.Entry{Action: action, UserID: id.UserID, RoomID: roomID}, "left stream")
}

func streamEndEvent(rooms *room.Registry, roomID, reason string) *domain.StreamEndMessage {
	streamID := roomID
	if r, err := rooms.Get(roomID); err == nil {
		streamID = r.StreamID
	}
	return domain.NewStreamEnd(streamID, reason)
}

// EndStream terminates roomID: members get stream_end and are closed, bus
// subscribers are told and dropped, then the store, archive and directory
// are updated off the fan-out path. It reports false if the room was
// already gone.
func (h *Handler) EndStream(ctx context.Context, roomID, reason string) bool {
	ended, ok := h.rooms.EndRoom(roomID, reason)
	if !ok {
		return false
	}
	streamID := ended.Info.StreamID

	h.publish(roomID, domain.EventStreamEnd, domain.NewStreamEnd(streamID, reason), "")
	h.bus.ClearRoom(roomID)

	h.async("end_stream", func(ctx context.Context) error {
		err := h.store.EndStream(ctx, streamID, reason)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// The record is no longer live, so a restore would miss it anyway.
		h.rooms.ForgetEnded(roomID)
		return nil
	})
	if h.archiver != nil && ended.TerminalBuffer != "" {
		h.async("archive", func(ctx context.Context) error {
			return h.archiver.Archive(ctx, ended)
		})
	}
	if h.directory != nil {
		h.async("directory_withdraw", func(ctx context.Context) error {
			return h.directory.Withdraw(ctx, roomID)
		})
	}

	audit.Record(ctx, audit.Entry{Action: audit.ActionEndStream, UserID: ended.Info.OwnerID, RoomID: roomID, Detail: reason}, "stream ended")
	return true
}

// EnsureRoomLoaded returns the live room, recreating it from a persisted
// live stream when this process has no record of it. Concurrent loads of
// the same room collapse into one.
func (h *Handler) EnsureRoomLoaded(ctx context.Context, roomID string) (*room.Room, error) {
	if r, err := h.rooms.Get(roomID); err == nil {
		return r, nil
	}
	// Until its end is persisted, an ended room still looks live in the store.
	if h.rooms.RecentlyEnded(roomID) {
		return nil, room.ErrRoomNotFound
	}
	v, err, _ := h.loads.Do(roomID, func() (interface{}, error) {
		if r, err := h.rooms.Get(roomID); err == nil {
			return r, nil
		}
		return h.restore(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*room.Room), nil
}

func (h *Handler) restore(ctx context.Context, roomID string) (*room.Room, error) {
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()

	rec, err := h.store.GetLiveStream(sctx, roomID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("stream lookup failed")
		}
		return nil, room.ErrRoomNotFound
	}
	mods, err := h.store.GetModerators(sctx, roomID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("moderator lookup failed")
	}

	r, err := h.rooms.CreateRoom(room.Params{
		ID:           rec.RoomID,
		StreamID:     rec.ID,
		OwnerID:      rec.OwnerID,
		OwnerName:    rec.OwnerName,
		Title:        rec.Title,
		PasswordHash: rec.PasswordHash,
		MaxViewers:   rec.MaxViewers,
		Mods:         mods,
		Restored:     true,
	})
	if errors.Is(err, room.ErrRoomExists) {
		return h.rooms.Get(roomID)
	}
	if errors.Is(err, room.ErrRoomEnded) {
		return nil, room.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, roomID).Str(log.FieldStreamID, rec.ID).Int("mods", len(mods)).Msg("restored room from store")
	h.advertise(r)
	return r, nil
}

// Subscribe attaches an agent's event stream to roomID. The agent gets a
// connected event; other subscribers hear agent_connected unless this
// replaced an earlier stream of the same agent.
func (h *Handler) Subscribe(ctx context.Context, roomID string, agent *domain.Identity, t transport.Transport) error {
	r, err := h.EnsureRoomLoaded(ctx, roomID)
	if err != nil {
		return err
	}
	if r.IsBanned(agent.UserID) || h.persistedBan(ctx, r, agent.UserID) {
		return room.ErrBanned
	}

	superseded := h.bus.Subscribe(roomID, agent.UserID, agent.Username, t)
	// EndStream may have cleared the bus between the load and the subscribe.
	if _, err := h.rooms.Get(roomID); err != nil {
		h.bus.Release(roomID, agent.UserID, t)
		return room.ErrRoomNotFound
	}

	info := r.Info()
	h.bus.SendTo(roomID, agent.UserID, domain.EventConnected, &domain.ConnectedEvent{
		AgentID:     agent.UserID,
		Stream:      &info,
		Subscribers: h.bus.Count(roomID),
	})
	if !superseded {
		h.publish(roomID, domain.EventAgentConnected, &domain.AgentEvent{AgentID: agent.UserID, AgentName: agent.Username}, agent.UserID)
	}
	audit.Record(ctx, audit.Entry{Action: audit.ActionSubscribe, UserID: agent.UserID, RoomID: roomID}, "agent subscribed")
	return nil
}

// Unsubscribe detaches t if it is still the agent's stream.
func (h *Handler) Unsubscribe(ctx context.Context, roomID string, agent *domain.Identity, t transport.Transport) {
	if !h.bus.Release(roomID, agent.UserID, t) {
		return
	}
	h.publish(roomID, domain.EventAgentDisconnected, &domain.AgentEvent{AgentID: agent.UserID, AgentName: agent.Username}, "")
	audit.Record(ctx, audit.Entry{Action: audit.ActionUnsubscribe, UserID: agent.UserID, RoomID: roomID}, "agent unsubscribed")
}

// memberDropped publishes what the room already told its members when a
// failed send pruned someone.
func (h *Handler) memberDropped(d room.Dropped) {
	if d.Broadcaster {
		h.publish(d.RoomID, domain.EventStreamEnd, domain.NewStreamEnd(d.StreamID, domain.EndReasonDisconnected), "")
		if r, err := h.rooms.Get(d.RoomID); err == nil {
			h.advertise(r)
		}
		return
	}
	h.publish(d.RoomID, domain.EventViewerLeave, domain.NewViewerLeave(d.Identity.UserID, d.Identity.Username, d.ViewerCount), "")
	if d.Identity.IsAgent {
		h.publish(d.RoomID, domain.EventAgentLeave, &domain.AgentEvent{AgentID: d.Identity.UserID, AgentName: d.Identity.Username}, "")
	}
}

// AgentSwept announces a subscriber dropped for idleness.
func (h *Handler) AgentSwept(roomID, agentID, name string) {
	h.publish(roomID, domain.EventAgentDisconnected, &domain.AgentEvent{AgentID: agentID, AgentName: name}, "")
}
