package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/auth"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/config"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/eventbus"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/hub"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/database"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	*httptest.Server
	proto  *protocol.Handler
	tokens *jwt.Manager
}

func newServer(t *testing.T) *server {
	t.Helper()
	db, err := database.New(&database.Config{
		Driver:   "sqlite",
		FilePath: filepath.Join(t.TempDir(), "terminal.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	st := store.NewGormStore(db)
	require.NoError(t, st.Migrate())

	manager, err := jwt.NewManager("test-secret", "terminal-test", time.Hour)
	require.NoError(t, err)
	validator := auth.NewJWTValidator(manager, auth.DefaultAgentRole)

	proto := protocol.New(protocol.Config{AllowAnonymous: true},
		room.NewRegistry(room.Config{ReplayBufferSize: 1024}),
		eventbus.New(), st, validator)
	t.Cleanup(proto.Wait)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.NewHub()
	go h.Run(ctx)

	authMW := middleware.NewAuthMiddleware(validator)
	router := NewRouter(zerolog.Nop(),
		NewWSHandler(h, proto, config.WebSocketConfig{
			PingInterval: time.Minute,
			PongWait:     2 * time.Minute,
			WriteWait:    time.Second,
		}),
		NewHandler(proto, authMW, auth.DefaultAgentRole),
		NewEventsHandler(proto, authMW, auth.DefaultAgentRole, 16),
	)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &server{Server: srv, proto: proto, tokens: manager}
}

func (s *server) token(t *testing.T, userID, name string, roles ...string) string {
	t.Helper()
	tok, err := s.tokens.Sign(userID, name, roles)
	require.NoError(t, err)
	return tok
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *server) dial(t *testing.T, token string) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	p := &wsPeer{t: t, conn: conn}
	p.send(map[string]interface{}{"type": domain.MsgTypeAuth, "token": token})
	resp := p.await(domain.MsgTypeAuthResponse)
	require.Equal(t, true, resp["success"])
	return p
}

func (p *wsPeer) send(msg interface{}) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(msg))
}

// await reads frames until one of the given type arrives.
func (p *wsPeer) await(msgType string) map[string]interface{} {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m map[string]interface{}
		require.NoError(p.t, p.conn.ReadJSON(&m))
		if m["type"] == msgType {
			return m
		}
	}
}

func (s *server) startStream(t *testing.T) (*wsPeer, string) {
	b := s.dial(t, s.token(t, "user-owner", "owner"))
	b.send(map[string]interface{}{"type": domain.MsgTypeCreateStream, "title": "hacking"})
	created := b.await(domain.MsgTypeStreamCreated)
	return b, created["roomId"].(string)
}

func (s *server) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestDiscovery(t *testing.T) {
	s := newServer(t)
	_, roomID := s.startStream(t)

	viewer := s.dial(t, s.token(t, "user-alice", "alice"))
	viewer.send(map[string]interface{}{"type": domain.MsgTypeJoinStream, "roomId": roomID})
	joined := viewer.await(domain.MsgTypeJoinStreamResponse)
	require.Equal(t, true, joined["success"])

	resp, body := s.do(t, http.MethodGet, "/api/v1/rooms", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 1, data["total"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/rooms/"+roomID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := body["data"].(map[string]interface{})
	assert.Equal(t, "hacking", info["title"])
	assert.EqualValues(t, 1, info["viewerCount"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/rooms/"+roomID+"/viewers", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	viewers := body["data"].(map[string]interface{})["viewers"].([]interface{})
	require.Len(t, viewers, 1)
	assert.Equal(t, "alice", viewers[0].(map[string]interface{})["username"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/rooms/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestAgentPostChat(t *testing.T) {
	s := newServer(t)
	_, roomID := s.startStream(t)
	viewer := s.dial(t, s.token(t, "user-alice", "alice"))
	viewer.send(map[string]interface{}{"type": domain.MsgTypeJoinStream, "roomId": roomID})
	viewer.await(domain.MsgTypeJoinStreamResponse)

	agentTok := s.token(t, "agent-1", "Claw", auth.DefaultAgentRole)
	path := "/api/v1/rooms/" + roomID + "/chat"

	resp, _ := s.do(t, http.MethodPost, path, "", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, path, s.token(t, "user-bob", "bob"), map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, path, agentTok, map[string]string{"content": "beep boop"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "beep boop", body["data"].(map[string]interface{})["content"])

	chat := viewer.await(domain.MsgTypeChat)
	assert.Equal(t, "Claw", chat["username"])
	assert.Equal(t, string(domain.RoleAgent), chat["role"])

	resp, body = s.do(t, http.MethodPost, path, agentTok, map[string]string{"content": "beep boop"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, domain.ErrCodeDuplicate, body["error"].(map[string]interface{})["code"])

	resp, _ = s.do(t, http.MethodPost, path, agentTok, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/rooms/missing/chat", agentTok, map[string]string{"content": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readEvent(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev))
		return ev
	}
}

func TestEventStream(t *testing.T) {
	s := newServer(t)
	_, roomID := s.startStream(t)
	viewer := s.dial(t, s.token(t, "user-alice", "alice"))
	viewer.send(map[string]interface{}{"type": domain.MsgTypeJoinStream, "roomId": roomID})
	viewer.await(domain.MsgTypeJoinStreamResponse)

	agentTok := s.token(t, "agent-1", "Claw", auth.DefaultAgentRole)

	// Unsubscribed heartbeats are refused.
	resp, _ := s.do(t, http.MethodPost, "/api/v1/rooms/"+roomID+"/events/heartbeat", agentTok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/v1/rooms/"+roomID+"/events?token="+agentTok, nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	r := bufio.NewReader(stream.Body)
	connected := readEvent(t, r)
	assert.Equal(t, domain.EventConnected, connected["type"])
	assert.Equal(t, roomID, connected["roomId"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/rooms/"+roomID+"/events/heartbeat", agentTok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	viewer.send(map[string]interface{}{"type": domain.MsgTypeSendChat, "content": "hello agent"})
	var chat map[string]interface{}
	for chat == nil {
		ev := readEvent(t, r)
		if ev["type"] == domain.EventChat {
			chat = ev
		}
	}
	data := chat["data"].(map[string]interface{})
	assert.Equal(t, "hello agent", data["content"])
	assert.Equal(t, domain.SourceHuman, data["source"])

	s.proto.EndStream(context.Background(), roomID, domain.EndReasonEnded)
	for {
		ev := readEvent(t, r)
		if ev["type"] == domain.EventStreamEnd {
			break
		}
	}
}

func TestEventStreamRejections(t *testing.T) {
	s := newServer(t)
	agentTok := s.token(t, "agent-1", "Claw", auth.DefaultAgentRole)

	resp, _ := s.do(t, http.MethodGet, "/api/v1/rooms/missing/events", agentTok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, roomID := s.startStream(t)
	resp, _ = s.do(t, http.MethodGet, "/api/v1/rooms/"+roomID+"/events", s.token(t, "user-bob", "bob"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	resp, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
