package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/eventbus"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/response"
)

// EventsHandler serves the agent event bus over server-sent events.
type EventsHandler struct {
	proto          *protocol.Handler
	authMiddleware *middleware.AuthMiddleware
	agentRole      string
	buffer         int
}

func NewEventsHandler(proto *protocol.Handler, authMiddleware *middleware.AuthMiddleware, agentRole string, buffer int) *EventsHandler {
	return &EventsHandler{
		proto:          proto,
		authMiddleware: authMiddleware,
		agentRole:      agentRole,
		buffer:         buffer,
	}
}

func (h *EventsHandler) RegisterRoutes(r *gin.Engine) {
	events := r.Group("/api/v1/rooms/:id/events", h.authMiddleware.RequireAuth(), middleware.RequireRole(h.agentRole))
	{
		events.GET("", h.Stream)
		events.POST("/heartbeat", h.Heartbeat)
	}
}

// Stream holds the request open and writes one data line per bus event
// until the client goes away or the room ends.
func (h *EventsHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	roomID := c.Param("id")
	agent := identity(c, h.agentRole)

	stream := eventbus.NewStream(h.buffer)
	if err := h.proto.Subscribe(ctx, roomID, agent, stream); err != nil {
		protocolError(c, err)
		return
	}
	// The request context is cancelled by now on client disconnect.
	defer h.proto.Unsubscribe(context.WithoutCancel(ctx), roomID, agent, stream)

	eventbus.WriteHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.Flush()

	bus := h.proto.Bus()
	err := stream.Serve(ctx, c.Writer, c.Writer, func() {
		bus.Touch(roomID, agent.UserID)
	})
	l.Debug().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldAgentID, agent.UserID).Msg("event stream closed")
}

// Heartbeat keeps a quiet subscription from being swept.
func (h *EventsHandler) Heartbeat(c *gin.Context) {
	roomID := c.Param("id")
	agent := identity(c, h.agentRole)
	if !h.proto.Bus().Touch(roomID, agent.UserID) {
		response.NotFound(c, "no active subscription")
		return
	}
	response.Success(c, gin.H{"roomId": roomID})
}
