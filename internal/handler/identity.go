package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/response"
)

// identity builds the caller's identity from claims set by RequireAuth.
func identity(c *gin.Context, agentRole string) *domain.Identity {
	id := &domain.Identity{
		UserID:   middleware.GetUserID(c),
		Username: middleware.GetUsername(c),
	}
	for _, r := range middleware.GetRoles(c) {
		if r == agentRole {
			id.IsAgent = true
		}
	}
	return id
}

var codeStatus = map[string]int{
	domain.ErrCodeInvalidMessage:   http.StatusBadRequest,
	domain.ErrCodeMessageTooLong:   http.StatusBadRequest,
	domain.ErrCodeInvalidArgument:  http.StatusBadRequest,
	domain.ErrCodeNotAuthenticated: http.StatusUnauthorized,
	domain.ErrCodeAuthFailed:       http.StatusUnauthorized,
	domain.ErrCodeAgentsOnly:       http.StatusForbidden,
	domain.ErrCodeForbidden:        http.StatusForbidden,
	domain.ErrCodeBanned:           http.StatusForbidden,
	domain.ErrCodeMuted:            http.StatusForbidden,
	domain.ErrCodeWrongPassword:    http.StatusForbidden,
	domain.ErrCodeRoomNotFound:     http.StatusNotFound,
	domain.ErrCodeUserNotFound:     http.StatusNotFound,
	domain.ErrCodeDuplicate:        http.StatusConflict,
	domain.ErrCodeNotInStream:      http.StatusConflict,
	domain.ErrCodeRoomFull:         http.StatusConflict,
	domain.ErrCodeSlowMode:         http.StatusTooManyRequests,
}

// protocolError writes err with the same code a WebSocket client would see.
func protocolError(c *gin.Context, err error) {
	code := protocol.ErrorCode(err)
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("request failed")
	}
	var rej *protocol.Rejection
	if errors.As(err, &rej) && rej.WaitSeconds > 0 {
		response.Throttled(c, code, protocol.ErrorText(err), rej.WaitSeconds)
		return
	}
	response.Error(c, status, code, protocol.ErrorText(err))
}
