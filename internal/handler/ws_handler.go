package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/config"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/hub"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades viewer and broadcaster connections and feeds their
// frames to the protocol handler.
type WSHandler struct {
	hub   *hub.Hub
	proto *protocol.Handler
	wsCfg config.WebSocketConfig
	now   func() time.Time
}

func NewWSHandler(h *hub.Hub, proto *protocol.Handler, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:   h,
		proto: proto,
		wsCfg: wsCfg,
		now:   time.Now,
	}
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(idgen.ConnID(), h.hub, conn, h.wsCfg, h.now)
	// The connection outlives the upgrade request.
	ctx := log.WithStr(context.Background(), log.FieldConnID, client.ID())

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(
		func(cl *hub.Client, message []byte) {
			h.proto.HandleIncoming(ctx, cl, message)
		},
		func(cl *hub.Client) {
			h.proto.Teardown(ctx, cl)
		},
	)
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.HandleWebSocket)
}
