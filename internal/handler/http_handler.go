package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/response"
)

// Handler serves room discovery and agent chat ingress.
type Handler struct {
	proto          *protocol.Handler
	authMiddleware *middleware.AuthMiddleware
	agentRole      string
}

func NewHandler(proto *protocol.Handler, authMiddleware *middleware.AuthMiddleware, agentRole string) *Handler {
	return &Handler{
		proto:          proto,
		authMiddleware: authMiddleware,
		agentRole:      agentRole,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		rooms := api.Group("/rooms")
		{
			rooms.GET("", h.ListRooms)
			rooms.GET("/:id", h.GetRoom)
			rooms.GET("/:id/viewers", h.GetViewers)

			rooms.POST("/:id/chat", h.authMiddleware.RequireAuth(), middleware.RequireRole(h.agentRole), h.PostChat)
		}
	}
}

// ListRooms returns every live room.
func (h *Handler) ListRooms(c *gin.Context) {
	rooms := h.proto.Rooms().ActiveRooms()
	response.Success(c, gin.H{
		"rooms": rooms,
		"total": len(rooms),
	})
}

func (h *Handler) GetRoom(c *gin.Context) {
	r, err := h.proto.Rooms().Get(c.Param("id"))
	if err != nil {
		roomError(c, err)
		return
	}
	response.Success(c, r.Info())
}

func (h *Handler) GetViewers(c *gin.Context) {
	viewers, err := h.proto.Rooms().ViewerList(c.Param("id"))
	if err != nil {
		roomError(c, err)
		return
	}
	response.Success(c, gin.H{
		"viewers": viewers,
		"count":   len(viewers),
	})
}

type postChatRequest struct {
	Content string `json:"content"`
	GifURL  string `json:"gifUrl"`
}

// PostChat lets an agent speak in a room without holding a WebSocket.
func (h *Handler) PostChat(c *gin.Context) {
	var req postChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	sender := identity(c, h.agentRole)
	msg, err := h.proto.PostChat(c.Request.Context(), c.Param("id"), sender, req.Content, req.GifURL)
	if err != nil {
		protocolError(c, err)
		return
	}
	response.Created(c, msg)
}

func roomError(c *gin.Context, err error) {
	if errors.Is(err, room.ErrRoomNotFound) {
		response.NotFound(c, "stream not found")
		return
	}
	protocolError(c, err)
}
