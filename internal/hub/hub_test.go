package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/config"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
)

var testWS = config.WebSocketConfig{
	PingInterval:   time.Second,
	PongWait:       5 * time.Second,
	WriteWait:      time.Second,
	MaxMessageSize: 1024,
	SendBuffer:     8,
}

// echoServer upgrades every request and echoes frames back through Send.
func echoServer(t *testing.T, h *Hub, closed chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(r.URL.Query().Get("id"), h, conn, testWS, nil)
		h.Register(c)
		go c.WritePump()
		c.ReadPump(func(c *Client, msg []byte) {
			c.Send(msg)
		}, func(c *Client) {
			closed <- c.ID()
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEchoAndUnregister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	closed := make(chan string, 1)
	srv := echoServer(t, h, closed)
	conn := dial(t, srv, "conn-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(msg))

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 10*time.Millisecond)
	snap := h.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "conn-1", snap[0].ID())

	conn.Close()
	select {
	case id := <-closed:
		assert.Equal(t, "conn-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not called")
	}
	require.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerCloseFlushesQueuedFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	srv := echoServer(t, h, make(chan string, 1))
	conn := dial(t, srv, "conn-1")

	var c *Client
	require.Eventually(t, func() bool {
		snap := h.Snapshot()
		if len(snap) == 1 {
			c = snap[0].(*Client)
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send([]byte(`{"type":"stream_end"}`)))
	c.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stream_end"}`, string(msg))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestSendNeverBlocks(t *testing.T) {
	cfg := testWS
	cfg.SendBuffer = 1
	c := NewClient("conn-1", NewHub(), nil, cfg, nil)

	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), transport.ErrBackpressure)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send([]byte("c")), transport.ErrClosed)
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	c := NewClient("conn-1", h, nil, testWS, nil)
	h.Register(c)
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-stopped
	assert.Zero(t, h.Count())
	assert.ErrorIs(t, c.Send([]byte("x")), transport.ErrClosed)

	late := NewClient("conn-2", h, nil, testWS, nil)
	h.Register(late)
	assert.ErrorIs(t, late.Send([]byte("x")), transport.ErrClosed)
}

func TestNewClientStartsSession(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClient("conn-9", NewHub(), nil, config.WebSocketConfig{}, func() time.Time { return at })
	assert.Equal(t, at, c.Session().LastHeartbeat())
	assert.Equal(t, 256, cap(c.send))
}
