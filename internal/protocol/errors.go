package protocol

import (
	"errors"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
)

// Rejection is a refused operation carrying its wire code.
type Rejection struct {
	Code        string
	Message     string
	WaitSeconds int
}

func (r *Rejection) Error() string {
	return r.Code + ": " + r.Message
}

func reject(code, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}

// errorCode maps an error to the code reported to clients.
func errorCode(err error) string {
	var rej *Rejection
	switch {
	case errors.As(err, &rej):
		return rej.Code
	case errors.Is(err, room.ErrRoomNotFound):
		return domain.ErrCodeRoomNotFound
	case errors.Is(err, room.ErrBanned):
		return domain.ErrCodeBanned
	case errors.Is(err, room.ErrRoomFull):
		return domain.ErrCodeRoomFull
	case errors.Is(err, room.ErrWrongPassword):
		return domain.ErrCodeWrongPassword
	case errors.Is(err, room.ErrBroadcasterPresent):
		return domain.ErrCodeAlreadyStreaming
	case errors.Is(err, room.ErrNotOwner), errors.Is(err, room.ErrProtectedTarget):
		return domain.ErrCodeForbidden
	case errors.Is(err, store.ErrNotFound):
		return domain.ErrCodeUserNotFound
	default:
		return domain.ErrCodeInternalError
	}
}

var codeMessages = map[string]string{
	domain.ErrCodeRoomNotFound:     "Stream not found",
	domain.ErrCodeBanned:           "You are banned from this stream",
	domain.ErrCodeRoomFull:         "Stream is full",
	domain.ErrCodeWrongPassword:    "Wrong password",
	domain.ErrCodeAlreadyStreaming: "You are already streaming",
	domain.ErrCodeForbidden:        "You do not have permission to do that",
	domain.ErrCodeUserNotFound:     "User not found",
	domain.ErrCodeInternalError:    "Internal error",
}

// errorMessage builds the wire error for err.
func errorMessage(err error) *domain.ErrorMessage {
	var rej *Rejection
	if errors.As(err, &rej) {
		m := domain.NewErrorMessage(rej.Code, rej.Message)
		m.WaitSeconds = rej.WaitSeconds
		return m
	}
	code := errorCode(err)
	return domain.NewErrorMessage(code, codeMessages[code])
}

// ErrorCode exposes the wire code of err to HTTP adapters.
func ErrorCode(err error) string {
	return errorCode(err)
}

// ErrorText is the client-facing message for err.
func ErrorText(err error) string {
	return errorMessage(err).Message
}
