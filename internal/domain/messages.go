package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// WebSocket message types from client.
const (
	MsgTypeAuth           = "auth"
	MsgTypeCreateStream   = "create_stream"
	MsgTypeJoinStream     = "join_stream"
	MsgTypeLeaveStream    = "leave_stream"
	MsgTypeEndStream      = "end_stream"
	MsgTypeTerminalData   = "terminal_data"
	MsgTypeTerminalResize = "terminal_resize"
	MsgTypeSendChat       = "send_chat"
	MsgTypeHeartbeat      = "heartbeat"
)

// WebSocket message types to client.
const (
	MsgTypeAuthResponse       = "auth_response"
	MsgTypeStreamCreated      = "stream_created"
	MsgTypeJoinStreamResponse = "join_stream_response"
	MsgTypeTerminal           = "terminal"
	MsgTypeChat               = "chat"
	MsgTypeAction             = "action"
	MsgTypeSystem             = "system"
	MsgTypeViewerJoin         = "viewer_join"
	MsgTypeViewerLeave        = "viewer_leave"
	MsgTypeModAction          = "mod_action"
	MsgTypeStreamEnd          = "stream_end"
	MsgTypeHeartbeatAck       = "heartbeat_ack"
	MsgTypeError              = "error"
)

// Error codes
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeAgentsOnly       = "AGENTS_ONLY"
	ErrCodeAlreadyStreaming = "ALREADY_STREAMING"
	ErrCodeNotInStream      = "NOT_IN_STREAM"
	ErrCodeRoomNotFound     = "ROOM_NOT_FOUND"
	ErrCodeWrongPassword    = "WRONG_PASSWORD"
	ErrCodeBanned           = "BANNED"
	ErrCodeRoomFull         = "ROOM_FULL"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
	ErrCodeSlowMode         = "SLOW_MODE"
	ErrCodeDuplicate        = "DUPLICATE"
	ErrCodeMuted            = "MUTED"
	ErrCodeMessageTooLong   = "MESSAGE_TOO_LONG"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// Reasons carried by stream_end.
const (
	EndReasonEnded        = "ended"
	EndReasonDisconnected = "disconnected"
	EndReasonTimeout      = "timeout"
	EndReasonStale        = "stale"
)

// ErrMalformed is returned when an inbound frame cannot be decoded.
var ErrMalformed = errors.New("malformed message")

var clientTypes = map[string]struct{}{
	MsgTypeAuth:           {},
	MsgTypeCreateStream:   {},
	MsgTypeJoinStream:     {},
	MsgTypeLeaveStream:    {},
	MsgTypeEndStream:      {},
	MsgTypeTerminalData:   {},
	MsgTypeTerminalResize: {},
	MsgTypeSendChat:       {},
	MsgTypeHeartbeat:      {},
}

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// IsClientMessage reports whether t is a type a client may send.
func IsClientMessage(t string) bool {
	_, ok := clientTypes[t]
	return ok
}

// ParseBase decodes the type discriminator of a raw frame.
func ParseBase(raw []byte) (BaseMessage, error) {
	var base BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		return base, ErrMalformed
	}
	if base.Type == "" {
		return base, ErrMalformed
	}
	return base, nil
}

// Decode unmarshals raw into v, mapping any decode failure to ErrMalformed.
func Decode(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrMalformed
	}
	return nil
}

// NowMillis is the timestamp stamped on every outbound message.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Client -> Server messages

type AuthMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
}

type CreateStreamMessage struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Password   string `json:"password,omitempty"`
	MaxViewers int    `json:"maxViewers,omitempty"`
}

type JoinStreamMessage struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	Password string `json:"password,omitempty"`
}

type TerminalDataMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type TerminalResizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type SendChatMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	GifURL  string `json:"gifUrl,omitempty"`
}

// Server -> Client messages

type AuthResponseMessage struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	IsAgent   bool   `json:"isAgent,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type StreamCreatedMessage struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	RoomID    string `json:"roomId"`
	Resumed   bool   `json:"resumed,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// StreamInfo describes a room to a joining viewer and to discovery.
type StreamInfo struct {
	RoomID      string    `json:"roomId"`
	StreamID    string    `json:"streamId"`
	Title       string    `json:"title"`
	OwnerID     string    `json:"ownerId"`
	OwnerName   string    `json:"ownerName"`
	IsPrivate   bool      `json:"isPrivate"`
	Live        bool      `json:"live"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	ViewerCount int       `json:"viewerCount"`
	SlowMode    int       `json:"slowMode"`
	StartedAt   time.Time `json:"startedAt"`
}

type JoinStreamResponseMessage struct {
	Type           string         `json:"type"`
	Success        bool           `json:"success"`
	Stream         *StreamInfo    `json:"stream,omitempty"`
	Role           Role           `json:"role,omitempty"`
	RecentMessages []*ChatMessage `json:"recentMessages,omitempty"`
	TerminalBuffer string         `json:"terminalBuffer,omitempty"`
	Code           string         `json:"code,omitempty"`
	Error          string         `json:"error,omitempty"`
	Timestamp      int64          `json:"timestamp"`
}

type TerminalMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type TerminalResizeOut struct {
	Type      string `json:"type"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage is used for both chat and action kinds. It is immutable once built.
type ChatMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	RoomID    string `json:"roomId,omitempty"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Role      Role   `json:"role"`
	GifURL    string `json:"gifUrl,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type SystemMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type ViewerEventMessage struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	ViewerCount int    `json:"viewerCount"`
	Timestamp   int64  `json:"timestamp"`
}

type ModActionMessage struct {
	Type            string `json:"type"`
	Action          string `json:"action"`
	TargetID        string `json:"targetId,omitempty"`
	TargetName      string `json:"targetName,omitempty"`
	ModeratorID     string `json:"moderatorId"`
	ModeratorName   string `json:"moderatorName"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

type StreamEndMessage struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

type HeartbeatAckMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorMessage struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	WaitSeconds int    `json:"waitSeconds,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:      MsgTypeError,
		Code:      code,
		Message:   message,
		Timestamp: NowMillis(),
	}
}

func NewAuthResponse(id *Identity) *AuthResponseMessage {
	return &AuthResponseMessage{
		Type:      MsgTypeAuthResponse,
		Success:   true,
		UserID:    id.UserID,
		Username:  id.Username,
		IsAgent:   id.IsAgent,
		Timestamp: NowMillis(),
	}
}

func NewAuthFailure(reason string) *AuthResponseMessage {
	return &AuthResponseMessage{
		Type:      MsgTypeAuthResponse,
		Success:   false,
		Error:     reason,
		Timestamp: NowMillis(),
	}
}

func NewStreamCreated(streamID, roomID string, resumed bool) *StreamCreatedMessage {
	return &StreamCreatedMessage{
		Type:      MsgTypeStreamCreated,
		StreamID:  streamID,
		RoomID:    roomID,
		Resumed:   resumed,
		Timestamp: NowMillis(),
	}
}

func NewJoinFailure(code, message string) *JoinStreamResponseMessage {
	return &JoinStreamResponseMessage{
		Type:      MsgTypeJoinStreamResponse,
		Success:   false,
		Code:      code,
		Error:     message,
		Timestamp: NowMillis(),
	}
}

func NewTerminalMessage(data string) *TerminalMessage {
	return &TerminalMessage{Type: MsgTypeTerminal, Data: data, Timestamp: NowMillis()}
}

func NewTerminalResize(cols, rows int) *TerminalResizeOut {
	return &TerminalResizeOut{Type: MsgTypeTerminalResize, Cols: cols, Rows: rows, Timestamp: NowMillis()}
}

// NewChatMessage builds a chat message. The kind must be MsgTypeChat or MsgTypeAction.
func NewChatMessage(kind, id, roomID string, sender *Identity, role Role, content, gifURL string) *ChatMessage {
	return &ChatMessage{
		Type:      kind,
		ID:        id,
		RoomID:    roomID,
		UserID:    sender.UserID,
		Username:  sender.Username,
		Content:   content,
		Role:      role,
		GifURL:    gifURL,
		Timestamp: NowMillis(),
	}
}

func NewSystemMessage(content string) *SystemMessage {
	return &SystemMessage{Type: MsgTypeSystem, Content: content, Timestamp: NowMillis()}
}

func NewViewerJoin(userID, username string, count int) *ViewerEventMessage {
	return &ViewerEventMessage{Type: MsgTypeViewerJoin, UserID: userID, Username: username, ViewerCount: count, Timestamp: NowMillis()}
}

func NewViewerLeave(userID, username string, count int) *ViewerEventMessage {
	return &ViewerEventMessage{Type: MsgTypeViewerLeave, UserID: userID, Username: username, ViewerCount: count, Timestamp: NowMillis()}
}

func NewModAction(action string, target, moderator *Identity, duration time.Duration) *ModActionMessage {
	m := &ModActionMessage{
		Type:            MsgTypeModAction,
		Action:          action,
		ModeratorID:     moderator.UserID,
		ModeratorName:   moderator.Username,
		DurationSeconds: int(duration / time.Second),
		Timestamp:       NowMillis(),
	}
	if target != nil {
		m.TargetID = target.UserID
		m.TargetName = target.Username
	}
	return m
}

func NewStreamEnd(streamID, reason string) *StreamEndMessage {
	return &StreamEndMessage{Type: MsgTypeStreamEnd, StreamID: streamID, Reason: reason, Timestamp: NowMillis()}
}

func NewHeartbeatAck() *HeartbeatAckMessage {
	return &HeartbeatAckMessage{Type: MsgTypeHeartbeatAck, Timestamp: NowMillis()}
}

// IsChatKind reports whether a message type carries user-authored content.
func IsChatKind(t string) bool {
	return t == MsgTypeChat || t == MsgTypeAction
}
