package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/eventbus"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/guard"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport/transporttest"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/database"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// tokenValidator maps fixed tokens to identities.
type tokenValidator map[string]domain.Identity

func (v tokenValidator) Validate(_ context.Context, token string) (*domain.Identity, error) {
	id, ok := v[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return &id, nil
}

var testTokens = tokenValidator{
	"agent-token":  {UserID: "agent-1", Username: "Claw", IsAgent: true},
	"agent2-token": {UserID: "agent-2", Username: "Scout", IsAgent: true},
	"alice-token":  {UserID: "user-alice", Username: "alice"},
	"bob-token":    {UserID: "user-bob", Username: "bob"},
	"carol-token":  {UserID: "user-carol", Username: "carol"},
}

type testConn struct {
	*transporttest.Recorder
	id   string
	sess *domain.Session
}

func (c *testConn) ID() string               { return c.id }
func (c *testConn) Session() *domain.Session { return c.sess }

type harness struct {
	t     *testing.T
	h     *Handler
	clock *testClock
	store *store.GormStore
	conns int
}

func openStore(t *testing.T) *store.GormStore {
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
	return st
}

func newHarness(t *testing.T, st *store.GormStore) *harness {
	t.Helper()
	if st == nil {
		st = openStore(t)
	}
	return newHarnessOn(t, st, st)
}

// newHarnessOn runs the handler against backing while assertions read st.
func newHarnessOn(t *testing.T, backing store.Store, st *store.GormStore) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	rooms := room.NewRegistry(room.Config{
		ReplayBufferSize: 1024,
		Guard:            guard.Config{DedupSize: 20, DedupWindow: 30 * time.Second},
	}, room.WithClock(clock.Now))
	h := New(Config{AllowAnonymous: true}, rooms, eventbus.New(eventbus.WithClock(clock.Now)), backing, testTokens, WithClock(clock.Now))
	t.Cleanup(h.Wait)
	return &harness{t: t, h: h, clock: clock, store: st}
}

func (hs *harness) conn() *testConn {
	hs.conns++
	return &testConn{
		Recorder: transporttest.NewRecorder(),
		id:       "conn-" + strconv.Itoa(hs.conns),
		sess:     domain.NewSession("sess", hs.clock.Now()),
	}
}

func (hs *harness) send(c *testConn, msg map[string]interface{}) {
	raw, err := json.Marshal(msg)
	require.NoError(hs.t, err)
	hs.h.HandleIncoming(context.Background(), c, raw)
}

func (hs *harness) login(token string) *testConn {
	c := hs.conn()
	hs.send(c, map[string]interface{}{"type": "auth", "token": token})
	require.Equal(hs.t, true, c.Last()["success"])
	return c
}

// startStream logs the agent in and creates a stream, returning the room id.
func (hs *harness) startStream(token string) (*testConn, string) {
	c := hs.login(token)
	hs.send(c, map[string]interface{}{"type": "create_stream", "title": "demo", "cols": 80, "rows": 24})
	created := c.Last()
	require.Equal(hs.t, domain.MsgTypeStreamCreated, created["type"])
	return c, created["roomId"].(string)
}

func (hs *harness) join(token, roomID string) *testConn {
	c := hs.login(token)
	hs.send(c, map[string]interface{}{"type": "join_stream", "roomId": roomID})
	require.Equal(hs.t, true, c.Last()["success"], "join failed: %v", c.Last())
	return c
}

func (hs *harness) chat(c *testConn, content string) {
	hs.send(c, map[string]interface{}{"type": "send_chat", "content": content})
}

func TestHandleIncomingRejectsBadFrames(t *testing.T) {
	hs := newHarness(t, nil)
	c := hs.conn()

	hs.h.HandleIncoming(context.Background(), c, []byte("{not json"))
	assert.Equal(t, domain.ErrCodeInvalidMessage, c.Last()["code"])

	hs.send(c, map[string]interface{}{"type": "teleport"})
	assert.Equal(t, domain.ErrCodeInvalidMessage, c.Last()["code"])

	hs.send(c, map[string]interface{}{"type": "join_stream", "roomId": "r1"})
	assert.Equal(t, domain.ErrCodeNotAuthenticated, c.Last()["code"])

	hs.send(c, map[string]interface{}{"type": "auth", "token": "forged"})
	assert.Equal(t, false, c.Last()["success"])
	assert.False(t, c.Session().IsAuthenticated())
}

func TestAnonymousAuth(t *testing.T) {
	hs := newHarness(t, nil)
	c := hs.conn()

	hs.send(c, map[string]interface{}{"type": "auth", "username": "two words"})
	assert.Equal(t, false, c.Last()["success"])

	hs.send(c, map[string]interface{}{"type": "auth", "username": "  guest42 "})
	last := c.Last()
	require.Equal(t, true, last["success"])
	assert.Equal(t, "guest42", last["username"])
	assert.True(t, c.Session().Identity().Anonymous)
}

func TestCreateStreamIsAgentsOnly(t *testing.T) {
	hs := newHarness(t, nil)
	c := hs.login("alice-token")

	hs.send(c, map[string]interface{}{"type": "create_stream", "title": "nope"})
	assert.Equal(t, domain.ErrCodeAgentsOnly, c.Last()["code"])
	assert.Equal(t, 0, hs.h.Rooms().Len())
}

func TestJoinReplaysTerminalAndFansOutChat(t *testing.T) {
	hs := newHarness(t, nil)
	agent, roomID := hs.startStream("agent-token")

	hs.send(agent, map[string]interface{}{"type": "terminal_data", "data": "$ ls\r\n"})

	alice := hs.login("alice-token")
	hs.send(alice, map[string]interface{}{"type": "join_stream", "roomId": roomID})
	welcome := alice.Last()
	require.Equal(t, true, welcome["success"])
	assert.Equal(t, "$ ls\r\n", welcome["terminalBuffer"])
	assert.Equal(t, string(domain.RoleViewer), welcome["role"])
	assert.Len(t, agent.OfType(domain.MsgTypeViewerJoin), 1)

	hs.send(agent, map[string]interface{}{"type": "terminal_data", "data": "main.go\r\n"})
	terminal := alice.OfType(domain.MsgTypeTerminal)
	require.Len(t, terminal, 1)
	assert.Equal(t, "main.go\r\n", terminal[0]["data"])
	assert.Empty(t, agent.OfType(domain.MsgTypeTerminal))

	hs.chat(alice, "hello there")
	for _, c := range []*testConn{agent, alice} {
		msgs := c.OfType(domain.MsgTypeChat)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello there", msgs[0]["content"])
		assert.Equal(t, "alice", msgs[0]["username"])
	}

	hs.h.Wait()
	saved, err := hs.store.RecentMessages(context.Background(), roomID, 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "hello there", saved[0].Content)
}

func TestChatRequiresJoin(t *testing.T) {
	hs := newHarness(t, nil)
	c := hs.login("alice-token")
	hs.chat(c, "anyone?")
	assert.Equal(t, domain.ErrCodeNotInStream, c.Last()["code"])
}

func TestSlowModeWaitsAndExemptsBroadcaster(t *testing.T) {
	hs := newHarness(t, nil)
	agent, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)

	hs.chat(agent, "/slow 5")
	require.Len(t, alice.OfType(domain.MsgTypeModAction), 1)

	hs.chat(alice, "first")
	assert.Len(t, alice.OfType(domain.MsgTypeChat), 1)

	hs.clock.Advance(2 * time.Second)
	hs.chat(alice, "second")
	last := alice.Last()
	assert.Equal(t, domain.ErrCodeSlowMode, last["code"])
	assert.EqualValues(t, 3, last["waitSeconds"])

	hs.chat(agent, "owner one")
	hs.chat(agent, "owner two")
	assert.Len(t, agent.OfType(domain.MsgTypeError), 0)

	hs.clock.Advance(4 * time.Second)
	hs.chat(alice, "third")
	assert.Equal(t, "third", alice.Last()["content"])

	hs.chat(agent, "/slow off")
	hs.chat(alice, "fourth")
	assert.Equal(t, "fourth", alice.Last()["content"])
}

func TestDuplicateWithinWindow(t *testing.T) {
	hs := newHarness(t, nil)
	_, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)
	bob := hs.join("bob-token", roomID)

	hs.chat(alice, "Ping")
	hs.chat(bob, "  ping ")
	assert.Equal(t, domain.ErrCodeDuplicate, bob.Last()["code"])

	hs.clock.Advance(31 * time.Second)
	hs.chat(bob, "ping")
	assert.Equal(t, "ping", bob.Last()["content"])
}

func TestMessageTooLong(t *testing.T) {
	hs := newHarness(t, nil)
	_, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}
	hs.chat(alice, string(long))
	assert.Equal(t, domain.ErrCodeMessageTooLong, alice.Last()["code"])
}

func TestSetLimitsAppliesToLaterMessages(t *testing.T) {
	hs := newHarness(t, nil)
	agent, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)

	hs.chat(alice, "twelve chars")
	assert.Equal(t, "twelve chars", alice.Last()["content"])

	hs.h.SetLimits(Limits{MaxChatLength: 5, MaxSlowMode: 10})
	hs.chat(alice, "twelve chars")
	assert.Equal(t, domain.ErrCodeMessageTooLong, alice.Last()["code"])

	hs.chat(agent, "/slow 30")
	assert.Equal(t, domain.ErrCodeInvalidArgument, agent.Last()["code"])
	hs.chat(agent, "/slow 10")
	assert.Len(t, alice.OfType(domain.MsgTypeModAction), 1)

	hs.h.SetLimits(Limits{MaxChatLength: 20})
	assert.Equal(t, Limits{MaxChatLength: 20, MaxSlowMode: 10}, hs.h.Limits())
}

func TestBanEvictsAndBlocksRejoin(t *testing.T) {
	hs := newHarness(t, nil)
	agent, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)

	hs.chat(agent, "/ban ALICE")
	assert.True(t, alice.Closed())
	require.NotEmpty(t, alice.OfType(domain.MsgTypeSystem))
	actions := agent.OfType(domain.MsgTypeModAction)
	require.Len(t, actions, 1)
	assert.Equal(t, "ban", actions[0]["action"])
	assert.Nil(t, actions[0]["durationSeconds"])
	assert.Len(t, agent.OfType(domain.MsgTypeViewerLeave), 1)

	again := hs.login("alice-token")
	hs.send(again, map[string]interface{}{"type": "join_stream", "roomId": roomID})
	assert.Equal(t, false, again.Last()["success"])
	assert.Equal(t, domain.ErrCodeBanned, again.Last()["code"])
	assert.False(t, again.Session().IsJoined())

	hs.h.Wait()
	banned, err := hs.store.IsBanned(context.Background(), roomID, "user-alice")
	require.NoError(t, err)
	assert.True(t, banned)

	hs.chat(agent, "/unban alice")
	hs.send(again, map[string]interface{}{"type": "join_stream", "roomId": roomID})
	assert.Equal(t, true, again.Last()["success"])
}

func TestModerationPermissions(t *testing.T) {
	hs := newHarness(t, nil)
	agent, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)
	bob := hs.join("bob-token", roomID)
	carol := hs.join("carol-token", roomID)

	hs.chat(alice, "/mute bob")
	assert.Equal(t, domain.ErrCodeForbidden, alice.Last()["code"])

	hs.chat(agent, "/mod bob")
	hs.chat(agent, "/mod carol")
	assert.True(t, hs.h.Rooms().CanModerate(roomID, "user-bob"))

	hs.chat(bob, "/ban carol")
	assert.Equal(t, domain.ErrCodeForbidden, bob.Last()["code"])
	assert.False(t, carol.Closed())

	hs.chat(bob, "/mod alice")
	assert.Equal(t, domain.ErrCodeForbidden, bob.Last()["code"])

	hs.chat(bob, "/mute bob")
	assert.Equal(t, domain.ErrCodeInvalidArgument, bob.Last()["code"])

	hs.chat(bob, "/mute Claw")
	assert.Equal(t, domain.ErrCodeForbidden, bob.Last()["code"])

	hs.chat(bob, "/mute nobody")
	assert.Equal(t, domain.ErrCodeUserNotFound, bob.Last()["code"])

	hs.chat(bob, "/dance")
	assert.Equal(t, domain.ErrCodeUnknownCommand, bob.Last()["code"])

	hs.chat(bob, "/mute alice 30")
	assert.EqualValues(t, 30, alice.Last()["durationSeconds"])
	hs.chat(alice, "can I talk")
	assert.Equal(t, domain.ErrCodeMuted, alice.Last()["code"])

	hs.chat(bob, "/unmute alice")
	hs.chat(alice, "can I talk")
	assert.Equal(t, "can I talk", alice.Last()["content"])

	hs.h.Wait()
	mods, err := hs.store.GetModerators(context.Background(), roomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-bob", "user-carol"}, mods)
}

func TestInformationalCommands(t *testing.T) {
	hs := newHarness(t, nil)
	_, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)
	hs.join("bob-token", roomID)

	hs.chat(alice, "/viewers")
	assert.Equal(t, "2 viewers: alice, bob", alice.Last()["content"])

	hs.clock.Advance(90 * time.Second)
	hs.chat(alice, "/uptime")
	assert.Equal(t, "Stream uptime: 1m30s", alice.Last()["content"])

	hs.chat(alice, "/help")
	assert.Contains(t, alice.Last()["content"], "/viewers")

	hs.chat(alice, "/me waves")
	last := alice.Last()
	assert.Equal(t, domain.MsgTypeAction, last["type"])
	assert.Equal(t, "waves", last["content"])
}

func TestResumeStreamKeepsRoom(t *testing.T) {
	hs := newHarness(t, nil)
	agent, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)

	hs.h.Teardown(context.Background(), agent)
	assert.Len(t, alice.OfType(domain.MsgTypeStreamEnd), 1)
	r, err := hs.h.Rooms().Get(roomID)
	require.NoError(t, err)
	assert.False(t, r.HasBroadcaster())

	again := hs.login("agent-token")
	hs.send(again, map[string]interface{}{"type": "create_stream", "title": "demo"})
	created := again.Last()
	assert.Equal(t, roomID, created["roomId"])
	assert.Equal(t, true, created["resumed"])
	assert.True(t, r.HasBroadcaster())

	second := hs.login("agent-token")
	hs.send(second, map[string]interface{}{"type": "create_stream", "title": "demo"})
	assert.Equal(t, domain.ErrCodeAlreadyStreaming, second.Last()["code"])
}

func TestEndStreamIsIdempotent(t *testing.T) {
	hs := newHarness(t, nil)
	agent, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)

	hs.send(alice, map[string]interface{}{"type": "end_stream"})
	assert.Equal(t, domain.ErrCodeForbidden, alice.Last()["code"])

	hs.send(agent, map[string]interface{}{"type": "end_stream"})
	assert.Len(t, alice.OfType(domain.MsgTypeStreamEnd), 1)
	assert.True(t, alice.Closed())
	assert.False(t, hs.h.EndStream(context.Background(), roomID, domain.EndReasonEnded))
	assert.Len(t, alice.OfType(domain.MsgTypeStreamEnd), 1)

	hs.h.Wait()
	_, err := hs.store.GetLiveStream(context.Background(), roomID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTeardownIsIdempotent(t *testing.T) {
	hs := newHarness(t, nil)
	agent, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)

	hs.h.Teardown(context.Background(), alice)
	hs.h.Teardown(context.Background(), alice)
	assert.Len(t, agent.OfType(domain.MsgTypeViewerLeave), 1)
	assert.False(t, alice.Session().IsJoined())
}

func TestRestoredRoomHonoursPersistedBans(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateStream(ctx, &store.Stream{
		ID: "stream-1", RoomID: "room-1", OwnerID: "agent-1", OwnerName: "Claw", Title: "before restart",
	}))
	require.NoError(t, st.AddBan(ctx, store.Restriction{RoomID: "room-1", UserID: "user-alice", ActorID: "agent-1"}))
	require.NoError(t, st.AddMod(ctx, "room-1", "user-bob", "agent-1"))

	hs := newHarness(t, st)

	alice := hs.login("alice-token")
	hs.send(alice, map[string]interface{}{"type": "join_stream", "roomId": "room-1"})
	assert.Equal(t, domain.ErrCodeBanned, alice.Last()["code"])

	bob := hs.join("bob-token", "room-1")
	assert.Equal(t, string(domain.RoleMod), bob.OfType(domain.MsgTypeJoinStreamResponse)[0]["role"])

	r, err := hs.h.Rooms().Get("room-1")
	require.NoError(t, err)
	assert.True(t, r.Restored)
	assert.Equal(t, "stream-1", r.StreamID)

	missing := hs.login("carol-token")
	hs.send(missing, map[string]interface{}{"type": "join_stream", "roomId": "room-2"})
	assert.Equal(t, domain.ErrCodeRoomNotFound, missing.Last()["code"])
}

func TestAgentSubscriptionsOnTheBus(t *testing.T) {
	hs := newHarness(t, nil)
	ctx := context.Background()
	_, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)

	scout := &domain.Identity{UserID: "agent-2", Username: "Scout", IsAgent: true}
	first := transporttest.NewRecorder()
	require.NoError(t, hs.h.Subscribe(ctx, roomID, scout, first))
	require.Len(t, first.OfType(domain.EventConnected), 1)

	claw := &domain.Identity{UserID: "agent-1", Username: "Claw", IsAgent: true}
	clawStream := transporttest.NewRecorder()
	require.NoError(t, hs.h.Subscribe(ctx, roomID, claw, clawStream))
	assert.Len(t, first.OfType(domain.EventAgentConnected), 1)

	// A reconnect supersedes quietly.
	second := transporttest.NewRecorder()
	require.NoError(t, hs.h.Subscribe(ctx, roomID, scout, second))
	assert.True(t, first.Closed())
	assert.Empty(t, clawStream.OfType(domain.EventAgentConnected))

	msg, err := hs.h.PostChat(ctx, roomID, scout, "hi from scout", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAgent, msg.Role)
	assert.Equal(t, "hi from scout", alice.Last()["content"])
	assert.Empty(t, second.OfType(domain.EventChat))

	chats := clawStream.OfType(domain.EventChat)
	require.Len(t, chats, 1)
	data := chats[0]["data"].(map[string]interface{})
	assert.Equal(t, domain.SourceAgent, data["source"])
	assert.Equal(t, roomID, chats[0]["roomId"])

	hs.h.Unsubscribe(ctx, roomID, scout, first)
	assert.Empty(t, clawStream.OfType(domain.EventAgentDisconnected))
	hs.h.Unsubscribe(ctx, roomID, scout, second)
	assert.Len(t, clawStream.OfType(domain.EventAgentDisconnected), 1)

	assert.True(t, hs.h.EndStream(ctx, roomID, domain.EndReasonEnded))
	assert.Len(t, clawStream.OfType(domain.EventStreamEnd), 1)
	assert.True(t, clawStream.Closed())

	hs.h.Wait()
	err = hs.h.Subscribe(ctx, roomID, scout, transporttest.NewRecorder())
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

// slowEndStore holds EndStream until release is called.
type slowEndStore struct {
	*store.GormStore
	gate chan struct{}
	once sync.Once
}

func (s *slowEndStore) EndStream(ctx context.Context, streamID, reason string) error {
	<-s.gate
	return s.GormStore.EndStream(ctx, streamID, reason)
}

func (s *slowEndStore) release() { s.once.Do(func() { close(s.gate) }) }

func TestEndedRoomNotRestoredBeforeStoreCatchesUp(t *testing.T) {
	st := openStore(t)
	slow := &slowEndStore{GormStore: st, gate: make(chan struct{})}
	hs := newHarnessOn(t, slow, st)
	t.Cleanup(slow.release)

	agent, roomID := hs.startStream("agent-token")
	hs.send(agent, map[string]interface{}{"type": "end_stream"})

	_, err := st.GetLiveStream(context.Background(), roomID)
	require.NoError(t, err, "stream still live in the store while EndStream is pending")

	alice := hs.login("alice-token")
	hs.send(alice, map[string]interface{}{"type": "join_stream", "roomId": roomID})
	assert.Equal(t, false, alice.Last()["success"])
	assert.Equal(t, domain.ErrCodeRoomNotFound, alice.Last()["code"])
	_, err = hs.h.Rooms().Get(roomID)
	assert.ErrorIs(t, err, room.ErrRoomNotFound)

	slow.release()
	hs.h.Wait()
	assert.False(t, hs.h.Rooms().RecentlyEnded(roomID))
	hs.send(alice, map[string]interface{}{"type": "join_stream", "roomId": roomID})
	assert.Equal(t, domain.ErrCodeRoomNotFound, alice.Last()["code"])
}

func TestPrunedViewerReachesTheBus(t *testing.T) {
	hs := newHarness(t, nil)
	ctx := context.Background()
	_, roomID := hs.startStream("agent-token")
	alice := hs.join("alice-token", roomID)
	bob := hs.join("bob-token", roomID)

	scout := &domain.Identity{UserID: "agent-2", Username: "Scout", IsAgent: true}
	events := transporttest.NewRecorder()
	require.NoError(t, hs.h.Subscribe(ctx, roomID, scout, events))

	bob.FailSends()
	hs.chat(alice, "hello")

	assert.True(t, bob.Closed())
	leaves := events.OfType(domain.EventViewerLeave)
	require.Len(t, leaves, 1)
	data := leaves[0]["data"].(map[string]interface{})
	assert.Equal(t, "user-bob", data["userId"])
	assert.EqualValues(t, 1, data["viewerCount"])
}
