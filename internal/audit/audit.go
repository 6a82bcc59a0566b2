package audit

import (
	"context"

	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Audit actions for terminal-service.
const (
	ActionAuth          = "term.auth"
	ActionAuthFailed    = "term.auth_failed"
	ActionCreateStream  = "term.create_stream"
	ActionResumeStream  = "term.resume_stream"
	ActionEndStream     = "term.end_stream"
	ActionJoinStream    = "term.join_stream"
	ActionLeaveStream   = "term.leave_stream"
	ActionDisconnect    = "term.disconnect"
	ActionSubscribe     = "term.subscribe"
	ActionUnsubscribe   = "term.unsubscribe"
	ActionBan           = "term.ban"
	ActionUnban         = "term.unban"
	ActionMute          = "term.mute"
	ActionUnmute        = "term.unmute"
	ActionMod           = "term.mod"
	ActionUnmod         = "term.unmod"
	ActionSlowMode      = "term.slow_mode"
	ActionClearChat     = "term.clear_chat"
	ActionStaleEviction = "term.stale_eviction"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Entry is one audit record. Empty fields are omitted.
type Entry struct {
	Action   string
	UserID   string
	RoomID   string
	TargetID string
	Detail   string
}

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID string, msg string) {
	Record(ctx, Entry{Action: action, UserID: userID}, msg)
}

// Record emits e with every non-empty field set.
func Record(ctx context.Context, e Entry, msg string) {
	l := log.Ctx(ctx)
	evt := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, e.Action).
		Str(log.FieldUserID, e.UserID)
	if e.RoomID != "" {
		evt = evt.Str(log.FieldRoomID, e.RoomID)
	}
	if e.TargetID != "" {
		evt = evt.Str(FieldTargetID, e.TargetID)
	}
	if e.Detail != "" {
		evt = evt.Str(FieldDetail, e.Detail)
	}
	evt.Msg(msg)
}
