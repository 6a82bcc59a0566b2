package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/audit"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

const (
	maxTitleLength   = 200
	maxTerminalSide  = 1000
	maxPasswordBytes = 72
)

func (h *Handler) handleCreateStream(ctx context.Context, c Conn, msg *domain.CreateStreamMessage) {
	sess := c.Session()
	id := sess.Identity()
	if !id.IsAgent {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeAgentsOnly, "Only agents can create streams"))
		return
	}
	if _, role := sess.Room(); role == domain.RoleBroadcaster {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeAlreadyStreaming, "You are already streaming"))
		return
	}
	if err := validateSize(msg.Cols, msg.Rows, true); err != nil {
		h.replyErr(c, err)
		return
	}
	if len(msg.Password) > maxPasswordBytes {
		h.replyErr(c, reject(domain.ErrCodeInvalidArgument, "Password is too long"))
		return
	}
	if msg.MaxViewers < 0 {
		h.replyErr(c, reject(domain.ErrCodeInvalidArgument, "maxViewers must not be negative"))
		return
	}
	title := strings.TrimSpace(msg.Title)
	if title == "" {
		title = id.Username + "'s terminal"
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		h.replyErr(c, reject(domain.ErrCodeInvalidArgument, "Title is too long"))
		return
	}

	h.leaveCurrent(ctx, c, audit.ActionLeaveStream)

	if r, ok := h.rooms.FindByOwner(id.UserID); ok {
		resumed, err := h.resume(ctx, c, r, id, msg)
		if err != nil {
			h.replyErr(c, err)
			return
		}
		if resumed {
			return
		}
	}

	var hash []byte
	if msg.Password != "" {
		var err error
		hash, err = room.HashPassword(msg.Password)
		if err != nil {
			h.replyErr(c, err)
			return
		}
	}

	rec := &store.Stream{
		ID:           uuid.New().String(),
		RoomID:       uuid.New().String(),
		OwnerID:      id.UserID,
		OwnerName:    id.Username,
		Title:        title,
		PasswordHash: hash,
		MaxViewers:   msg.MaxViewers,
		StartedAt:    h.now(),
	}
	if err := h.persistStream(ctx, rec); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldUserID, id.UserID).Msg("failed to persist stream")
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeInternalError, "Could not create stream"))
		return
	}

	r, err := h.rooms.CreateRoom(room.Params{
		ID:           rec.RoomID,
		StreamID:     rec.ID,
		OwnerID:      id.UserID,
		OwnerName:    id.Username,
		Title:        title,
		PasswordHash: hash,
		MaxViewers:   msg.MaxViewers,
	})
	if err == nil {
		err = h.rooms.SetBroadcaster(r.ID, room.Broadcaster{Identity: *id, Transport: c, Cols: msg.Cols, Rows: msg.Rows})
	}
	if err != nil {
		h.replyErr(c, err)
		return
	}

	sess.Join(r.ID, domain.RoleBroadcaster)
	h.reply(c, domain.NewStreamCreated(r.StreamID, r.ID, false))
	h.advertise(r)
	audit.Record(ctx, audit.Entry{Action: audit.ActionCreateStream, UserID: id.UserID, RoomID: r.ID}, "stream created")
}

// resume re-attaches the owner to its live room. It reports false when the
// room vanished in between and a fresh stream should be created.
func (h *Handler) resume(ctx context.Context, c Conn, r *room.Room, id *domain.Identity, msg *domain.CreateStreamMessage) (bool, error) {
	err := h.rooms.SetBroadcaster(r.ID, room.Broadcaster{Identity: *id, Transport: c, Cols: msg.Cols, Rows: msg.Rows})
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return false, nil
	case errors.Is(err, room.ErrBroadcasterPresent):
		return false, reject(domain.ErrCodeAlreadyStreaming, "You are already streaming")
	case err != nil:
		return false, err
	}

	c.Session().Join(r.ID, domain.RoleBroadcaster)
	h.reply(c, domain.NewStreamCreated(r.StreamID, r.ID, true))
	if msg.Cols > 0 && msg.Rows > 0 {
		h.rooms.Resize(r.ID, msg.Cols, msg.Rows)
	}
	h.advertise(r)
	audit.Record(ctx, audit.Entry{Action: audit.ActionResumeStream, UserID: id.UserID, RoomID: r.ID}, "stream resumed")
	return true, nil
}

// persistStream records the stream. A live record left behind by a previous
// process is ended as stale and the insert retried once.
func (h *Handler) persistStream(ctx context.Context, rec *store.Stream) error {
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()

	err := h.store.CreateStream(sctx, rec)
	if !errors.Is(err, store.ErrActiveStreamExists) {
		return err
	}
	stale, err := h.store.GetLiveStreamByOwner(sctx, rec.OwnerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if stale != nil {
		if err := h.store.EndStream(sctx, stale.ID, domain.EndReasonStale); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		l := log.Ctx(ctx)
		l.Info().Str(log.FieldStreamID, stale.ID).Str(log.FieldUserID, rec.OwnerID).Msg("ended stale stream record")
	}
	return h.store.CreateStream(sctx, rec)
}

func (h *Handler) handleJoinStream(ctx context.Context, c Conn, msg *domain.JoinStreamMessage) {
	sess := c.Session()
	id := sess.Identity()
	roomID := strings.TrimSpace(msg.RoomID)
	if roomID == "" {
		h.reply(c, domain.NewJoinFailure(domain.ErrCodeInvalidMessage, "roomId is required"))
		return
	}
	current, role := sess.Room()
	if role == domain.RoleBroadcaster {
		h.reply(c, domain.NewJoinFailure(domain.ErrCodeAlreadyStreaming, "End your stream before joining another"))
		return
	}
	if current != "" {
		h.leaveCurrent(ctx, c, audit.ActionLeaveStream)
	}

	// Bind first so a teardown racing the join still finds the room.
	sess.Join(roomID, domain.RoleViewer)
	res, err := h.Join(ctx, c, roomID, id, msg.Password)
	if err != nil {
		sess.Leave()
		m := errorMessage(err)
		h.reply(c, domain.NewJoinFailure(m.Code, m.Message))
		return
	}
	sess.Join(roomID, res.Role)
}

// Join admits id into roomID on transport c and sends the join response.
func (h *Handler) Join(ctx context.Context, c Conn, roomID string, id *domain.Identity, password string) (room.JoinResult, error) {
	r, err := h.EnsureRoomLoaded(ctx, roomID)
	if err != nil {
		return room.JoinResult{}, err
	}
	if id.UserID != r.OwnerID {
		if err := r.CheckPassword(password); err != nil {
			return room.JoinResult{}, err
		}
		if h.persistedBan(ctx, r, id.UserID) {
			return room.JoinResult{}, room.ErrBanned
		}
	}

	recent := h.recentMessages(ctx, roomID)
	res, err := h.rooms.AddViewer(roomID, room.Member{Identity: *id, Transport: c}, func(s room.JoinSnapshot) interface{} {
		info := s.Info
		return &domain.JoinStreamResponseMessage{
			Type:           domain.MsgTypeJoinStreamResponse,
			Success:        true,
			Stream:         &info,
			Role:           s.Role,
			RecentMessages: recent,
			TerminalBuffer: s.TerminalBuffer,
			Timestamp:      domain.NowMillis(),
		}
	})
	if err != nil {
		return res, err
	}

	if !res.Superseded {
		h.publish(roomID, domain.EventViewerJoin, domain.NewViewerJoin(id.UserID, id.Username, res.ViewerCount), "")
		if id.IsAgent {
			h.publish(roomID, domain.EventAgentJoin, &domain.AgentEvent{AgentID: id.UserID, AgentName: id.Username}, "")
		}
	}
	audit.Record(ctx, audit.Entry{Action: audit.ActionJoinStream, UserID: id.UserID, RoomID: roomID, Detail: string(res.Role)}, "joined stream")
	return res, nil
}

// persistedBan consults the store for rooms restored after a restart, whose
// in-memory ban table starts empty.
func (h *Handler) persistedBan(ctx context.Context, r *room.Room, userID string) bool {
	if !r.Restored {
		return false
	}
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()
	banned, err := h.store.IsBanned(sctx, r.ID, userID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, r.ID).Msg("ban lookup failed")
		return false
	}
	return banned
}

func (h *Handler) persistedMute(ctx context.Context, r *room.Room, userID string) bool {
	if !r.Restored {
		return false
	}
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()
	muted, err := h.store.IsMuted(sctx, r.ID, userID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, r.ID).Msg("mute lookup failed")
		return false
	}
	return muted
}

// recentMessages loads the join backlog. A slow or failing store yields an
// empty backlog rather than a failed join.
func (h *Handler) recentMessages(ctx context.Context, roomID string) []*domain.ChatMessage {
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()
	msgs, err := h.store.RecentMessages(sctx, roomID, h.cfg.RecentMessages)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to load recent messages")
		return nil
	}
	return msgs
}

func (h *Handler) handleLeaveStream(ctx context.Context, c Conn) {
	if !c.Session().IsJoined() {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeNotInStream, "Not in a stream"))
		return
	}
	h.leaveCurrent(ctx, c, audit.ActionLeaveStream)
}

func (h *Handler) handleEndStream(ctx context.Context, c Conn) {
	roomID, role := c.Session().Room()
	if roomID == "" {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeNotInStream, "Not in a stream"))
		return
	}
	if role != domain.RoleBroadcaster {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeForbidden, "Only the broadcaster can end the stream"))
		return
	}
	c.Session().Leave()
	h.EndStream(ctx, roomID, domain.EndReasonEnded)
}

// handleTerminalData forwards broadcaster output. Anyone else sending it is
// ignored.
func (h *Handler) handleTerminalData(ctx context.Context, c Conn, msg *domain.TerminalDataMessage) {
	roomID, role := c.Session().Room()
	if role != domain.RoleBroadcaster || msg.Data == "" {
		return
	}
	if err := h.rooms.AppendTerminalData(roomID, msg.Data); err != nil {
		h.lostRoom(ctx, c, roomID, err)
		return
	}
	h.publish(roomID, domain.EventTerminal, map[string]string{"data": msg.Data}, "")
}

func (h *Handler) handleTerminalResize(ctx context.Context, c Conn, msg *domain.TerminalResizeMessage) {
	roomID, role := c.Session().Room()
	if role != domain.RoleBroadcaster {
		return
	}
	if err := validateSize(msg.Cols, msg.Rows, false); err != nil {
		h.replyErr(c, err)
		return
	}
	if err := h.rooms.Resize(roomID, msg.Cols, msg.Rows); err != nil {
		h.lostRoom(ctx, c, roomID, err)
		return
	}
	h.publish(roomID, domain.MsgTypeTerminalResize, map[string]int{"cols": msg.Cols, "rows": msg.Rows}, "")
}

// lostRoom unbinds a session whose room ended underneath it.
func (h *Handler) lostRoom(ctx context.Context, c Conn, roomID string, err error) {
	if errors.Is(err, room.ErrRoomNotFound) {
		c.Session().Leave()
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeRoomNotFound, "Stream has ended"))
		return
	}
	l := log.Ctx(ctx)
	l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("terminal fan-out failed")
}

func validateSize(cols, rows int, optional bool) error {
	if optional && cols == 0 && rows == 0 {
		return nil
	}
	if cols <= 0 || rows <= 0 || cols > maxTerminalSide || rows > maxTerminalSide {
		return reject(domain.ErrCodeInvalidArgument, fmt.Sprintf("Invalid terminal size %dx%d", cols, rows))
	}
	return nil
}

func (h *Handler) advertise(r *room.Room) {
	if h.directory == nil {
		return
	}
	info := r.Info()
	h.async("directory_advertise", func(ctx context.Context) error {
		return h.directory.Advertise(ctx, info)
	})
}
