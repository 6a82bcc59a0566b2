package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/audit"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
)

const helpText = "Commands: /me <action>, /viewers, /uptime, /help. " +
	"Moderators: /ban <user> [duration], /unban <user>, /mute <user> [duration], /unmute <user>, /slow <seconds|off>, /clear. " +
	"Owner: /mod <user>, /unmod <user>"

// command is one parsed slash command.
type command struct {
	name  string
	args  []string
	rest  string
	actor *domain.Identity
	room  *room.Room
}

type commandFunc func(h *Handler, ctx context.Context, c Conn, cmd *command) error

type commandDef struct {
	run       commandFunc
	moderator bool
	owner     bool
}

var commands = map[string]commandDef{
	"me":      {run: (*Handler).cmdMe},
	"viewers": {run: (*Handler).cmdViewers},
	"uptime":  {run: (*Handler).cmdUptime},
	"help":    {run: (*Handler).cmdHelp},
	"ban":     {run: (*Handler).cmdBan, moderator: true},
	"unban":   {run: (*Handler).cmdUnban, moderator: true},
	"mute":    {run: (*Handler).cmdMute, moderator: true},
	"unmute":  {run: (*Handler).cmdUnmute, moderator: true},
	"slow":    {run: (*Handler).cmdSlow, moderator: true},
	"clear":   {run: (*Handler).cmdClear, moderator: true},
	"mod":     {run: (*Handler).cmdMod, moderator: true, owner: true},
	"unmod":   {run: (*Handler).cmdUnmod, moderator: true, owner: true},
}

func parseCommand(content string) (name string, args []string, rest string) {
	body := strings.TrimPrefix(content, "/")
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", nil, ""
	}
	name = strings.ToLower(fields[0])
	rest = strings.TrimSpace(strings.TrimPrefix(body, fields[0]))
	return name, fields[1:], rest
}

func (h *Handler) runCommand(ctx context.Context, c Conn, roomID, content string) {
	name, args, rest := parseCommand(content)
	def, ok := commands[name]
	if !ok {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeUnknownCommand, "Unknown command: /"+name))
		return
	}
	r, err := h.rooms.Get(roomID)
	if err != nil {
		h.lostRoom(ctx, c, roomID, err)
		return
	}
	actor := c.Session().Identity()
	if def.owner && actor.UserID != r.OwnerID {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeForbidden, "Only the stream owner can do that"))
		return
	}
	if def.moderator && !r.CanModerate(actor.UserID) {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeForbidden, "You do not have permission to do that"))
		return
	}

	cmd := &command{name: name, args: args, rest: rest, actor: actor, room: r}
	if err := def.run(h, ctx, c, cmd); err != nil {
		h.replyErr(c, err)
	}
}

func (h *Handler) system(c Conn, text string) {
	h.reply(c, domain.NewSystemMessage(text))
}

func (h *Handler) cmdMe(ctx context.Context, c Conn, cmd *command) error {
	if cmd.rest == "" {
		return reject(domain.ErrCodeInvalidArgument, "Usage: /me <action>")
	}
	_, err := h.post(ctx, cmd.room.ID, cmd.actor, domain.MsgTypeAction, cmd.rest, "")
	return err
}

func (h *Handler) cmdViewers(_ context.Context, c Conn, cmd *command) error {
	viewers := cmd.room.Viewers()
	names := make([]string, 0, len(viewers))
	for _, v := range viewers {
		names = append(names, v.Username)
	}
	sort.Strings(names)
	if len(names) == 0 {
		h.system(c, "No viewers")
		return nil
	}
	h.system(c, fmt.Sprintf("%d viewers: %s", len(names), strings.Join(names, ", ")))
	return nil
}

func (h *Handler) cmdUptime(_ context.Context, c Conn, cmd *command) error {
	up := h.now().Sub(cmd.room.CreatedAt).Truncate(time.Second)
	h.system(c, "Stream uptime: "+up.String())
	return nil
}

func (h *Handler) cmdHelp(_ context.Context, c Conn, _ *command) error {
	h.system(c, helpText)
	return nil
}

// target resolves the first argument among present members and applies the
// rules shared by every targeted moderation command.
func (h *Handler) target(cmd *command, usage string) (*domain.Identity, error) {
	if len(cmd.args) == 0 {
		return nil, reject(domain.ErrCodeInvalidArgument, "Usage: "+usage)
	}
	t, ok := cmd.room.FindByName(cmd.args[0])
	if !ok {
		return nil, reject(domain.ErrCodeUserNotFound, "User not found: "+cmd.args[0])
	}
	if err := h.checkTarget(cmd, t.UserID); err != nil {
		return nil, err
	}
	return t, nil
}

func (h *Handler) checkTarget(cmd *command, targetID string) error {
	if targetID == cmd.actor.UserID {
		return reject(domain.ErrCodeInvalidArgument, "You cannot target yourself")
	}
	if targetID == cmd.room.OwnerID {
		return room.ErrProtectedTarget
	}
	if cmd.actor.UserID != cmd.room.OwnerID && cmd.room.IsMod(targetID) {
		return reject(domain.ErrCodeForbidden, "Moderators cannot act on other moderators")
	}
	return nil
}

// parseDuration accepts plain seconds or a Go duration. Zero means permanent.
func parseDuration(args []string) (time.Duration, error) {
	if len(args) < 2 {
		return 0, nil
	}
	if n, err := strconv.Atoi(args[1]); err == nil {
		if n < 0 {
			return 0, reject(domain.ErrCodeInvalidArgument, "Duration must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(args[1])
	if err != nil || d < 0 {
		return 0, reject(domain.ErrCodeInvalidArgument, "Invalid duration: "+args[1])
	}
	return d, nil
}

func (h *Handler) restriction(cmd *command, targetID string, d time.Duration) store.Restriction {
	rs := store.Restriction{RoomID: cmd.room.ID, UserID: targetID, ActorID: cmd.actor.UserID}
	if d > 0 {
		until := h.now().Add(d)
		rs.Until = &until
	}
	return rs
}

// announce tells the room and the bus about a moderation action.
func (h *Handler) announce(cmd *command, action string, target *domain.Identity, d time.Duration) {
	msg := domain.NewModAction(action, target, cmd.actor, d)
	cmd.room.Broadcast(msg, "")
	h.publish(cmd.room.ID, domain.EventModAction, msg, "")
}

func (h *Handler) cmdBan(ctx context.Context, _ Conn, cmd *command) error {
	t, err := h.target(cmd, "/ban <user> [duration]")
	if err != nil {
		return err
	}
	d, err := parseDuration(cmd.args)
	if err != nil {
		return err
	}
	evicted, err := h.rooms.Ban(cmd.room.ID, t.UserID, d)
	if err != nil {
		return err
	}
	h.announce(cmd, "ban", t, d)
	if evicted != nil {
		h.publish(cmd.room.ID, domain.EventViewerLeave, domain.NewViewerLeave(t.UserID, t.Username, cmd.room.ViewerCount()), "")
	}
	h.bus.Unsubscribe(cmd.room.ID, t.UserID)

	rs := h.restriction(cmd, t.UserID, d)
	h.async("add_ban", func(ctx context.Context) error { return h.store.AddBan(ctx, rs) })
	audit.Record(ctx, audit.Entry{Action: audit.ActionBan, UserID: cmd.actor.UserID, RoomID: cmd.room.ID, TargetID: t.UserID, Detail: d.String()}, "user banned")
	return nil
}

func (h *Handler) cmdUnban(ctx context.Context, _ Conn, cmd *command) error {
	if len(cmd.args) == 0 {
		return reject(domain.ErrCodeInvalidArgument, "Usage: /unban <user>")
	}
	t, err := h.lookupAbsent(ctx, cmd.args[0])
	if err != nil {
		return err
	}
	if _, err := h.rooms.Unban(cmd.room.ID, t.UserID); err != nil {
		return err
	}
	h.announce(cmd, "unban", t, 0)
	h.async("remove_ban", func(ctx context.Context) error { return h.store.RemoveBan(ctx, cmd.room.ID, t.UserID) })
	audit.Record(ctx, audit.Entry{Action: audit.ActionUnban, UserID: cmd.actor.UserID, RoomID: cmd.room.ID, TargetID: t.UserID}, "user unbanned")
	return nil
}

// lookupAbsent resolves a name through the store, for targets that are not
// in the room.
func (h *Handler) lookupAbsent(ctx context.Context, name string) (*domain.Identity, error) {
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()
	t, err := h.store.LookupUserByName(sctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(domain.ErrCodeUserNotFound, "User not found: "+name)
	}
	return t, err
}

func (h *Handler) cmdMute(ctx context.Context, _ Conn, cmd *command) error {
	t, err := h.target(cmd, "/mute <user> [duration]")
	if err != nil {
		return err
	}
	d, err := parseDuration(cmd.args)
	if err != nil {
		return err
	}
	if err := h.rooms.Mute(cmd.room.ID, t.UserID, d); err != nil {
		return err
	}
	h.announce(cmd, "mute", t, d)
	rs := h.restriction(cmd, t.UserID, d)
	h.async("add_mute", func(ctx context.Context) error { return h.store.AddMute(ctx, rs) })
	audit.Record(ctx, audit.Entry{Action: audit.ActionMute, UserID: cmd.actor.UserID, RoomID: cmd.room.ID, TargetID: t.UserID, Detail: d.String()}, "user muted")
	return nil
}

func (h *Handler) cmdUnmute(ctx context.Context, _ Conn, cmd *command) error {
	if len(cmd.args) == 0 {
		return reject(domain.ErrCodeInvalidArgument, "Usage: /unmute <user>")
	}
	t, ok := cmd.room.FindByName(cmd.args[0])
	if !ok {
		var err error
		if t, err = h.lookupAbsent(ctx, cmd.args[0]); err != nil {
			return err
		}
	}
	if _, err := h.rooms.Unmute(cmd.room.ID, t.UserID); err != nil {
		return err
	}
	h.announce(cmd, "unmute", t, 0)
	h.async("remove_mute", func(ctx context.Context) error { return h.store.RemoveMute(ctx, cmd.room.ID, t.UserID) })
	audit.Record(ctx, audit.Entry{Action: audit.ActionUnmute, UserID: cmd.actor.UserID, RoomID: cmd.room.ID, TargetID: t.UserID}, "user unmuted")
	return nil
}

func (h *Handler) cmdMod(ctx context.Context, _ Conn, cmd *command) error {
	t, err := h.target(cmd, "/mod <user>")
	if err != nil {
		return err
	}
	if err := h.rooms.AddMod(cmd.room.ID, t.UserID); err != nil {
		return err
	}
	h.announce(cmd, "mod", t, 0)
	h.async("add_mod", func(ctx context.Context) error {
		return h.store.AddMod(ctx, cmd.room.ID, t.UserID, cmd.actor.UserID)
	})
	audit.Record(ctx, audit.Entry{Action: audit.ActionMod, UserID: cmd.actor.UserID, RoomID: cmd.room.ID, TargetID: t.UserID}, "moderator added")
	return nil
}

func (h *Handler) cmdUnmod(ctx context.Context, _ Conn, cmd *command) error {
	if len(cmd.args) == 0 {
		return reject(domain.ErrCodeInvalidArgument, "Usage: /unmod <user>")
	}
	t, ok := cmd.room.FindByName(cmd.args[0])
	if !ok {
		return reject(domain.ErrCodeUserNotFound, "User not found: "+cmd.args[0])
	}
	removed, err := h.rooms.RemoveMod(cmd.room.ID, t.UserID)
	if err != nil {
		return err
	}
	if !removed {
		return reject(domain.ErrCodeInvalidArgument, t.Username+" is not a moderator")
	}
	h.announce(cmd, "unmod", t, 0)
	h.async("remove_mod", func(ctx context.Context) error { return h.store.RemoveMod(ctx, cmd.room.ID, t.UserID) })
	audit.Record(ctx, audit.Entry{Action: audit.ActionUnmod, UserID: cmd.actor.UserID, RoomID: cmd.room.ID, TargetID: t.UserID}, "moderator removed")
	return nil
}

func (h *Handler) cmdSlow(ctx context.Context, _ Conn, cmd *command) error {
	if len(cmd.args) == 0 {
		return reject(domain.ErrCodeInvalidArgument, "Usage: /slow <seconds|off>")
	}
	seconds := 0
	if arg := strings.ToLower(cmd.args[0]); arg != "off" {
		limit := h.Limits().MaxSlowMode
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 || n > limit {
			return reject(domain.ErrCodeInvalidArgument, fmt.Sprintf("Slow mode must be between 0 and %d seconds", limit))
		}
		seconds = n
	}
	if err := h.rooms.SetSlowMode(cmd.room.ID, seconds); err != nil {
		return err
	}
	d := time.Duration(seconds) * time.Second
	h.announce(cmd, "slow", nil, d)
	h.advertise(cmd.room)
	audit.Record(ctx, audit.Entry{Action: audit.ActionSlowMode, UserID: cmd.actor.UserID, RoomID: cmd.room.ID, Detail: strconv.Itoa(seconds)}, "slow mode changed")
	return nil
}

func (h *Handler) cmdClear(ctx context.Context, _ Conn, cmd *command) error {
	if err := h.rooms.ClearChat(cmd.room.ID); err != nil {
		return err
	}
	h.announce(cmd, "clear", nil, 0)
	h.async("clear_messages", func(ctx context.Context) error { return h.store.ClearMessages(ctx, cmd.room.ID) })
	audit.Record(ctx, audit.Entry{Action: audit.ActionClearChat, UserID: cmd.actor.UserID, RoomID: cmd.room.ID}, "chat cleared")
	return nil
}
