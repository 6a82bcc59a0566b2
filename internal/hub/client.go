package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/config"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Client is one WebSocket peer. It implements protocol.Conn: Send queues a
// frame for WritePump and never blocks.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session *domain.Session
	config  config.WebSocketConfig
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig, now func() time.Time) *Client {
	if now == nil {
		now = time.Now
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		id:      id,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, buffer),
		session: domain.NewSession(id, now()),
		config:  cfg,
		now:     now,
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Session() *domain.Session { return c.session }

func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return transport.ErrClosed
	default:
		return transport.ErrBackpressure
	}
}

// Close asks WritePump to flush what is queued and hang up.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the client starts shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadPump feeds inbound frames to handle until the socket fails. onClose
// runs once before the client leaves the hub.
func (c *Client) ReadPump(handle func(*Client, []byte), onClose func(*Client)) {
	defer func() {
		if onClose != nil {
			onClose(c)
		}
		c.hub.Unregister(c)
		c.Close()
		c.conn.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.conn.SetReadDeadline(c.now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.session.Touch(c.now())
		c.conn.SetReadDeadline(c.now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldConnID, c.id).Msg("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(c.now().Add(c.config.PongWait))
		handle(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(c.now().Add(c.config.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(c.now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(c.now().Add(c.config.WriteWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

// drain writes frames queued before Close, so a final stream_end or ban
// notice reaches the peer.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}
