package liveness

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/eventbus"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport/transporttest"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/database"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type validator map[string]domain.Identity

func (v validator) Validate(_ context.Context, token string) (*domain.Identity, error) {
	id, ok := v[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return &id, nil
}

type conn struct {
	*transporttest.Recorder
	id   string
	sess *domain.Session
}

func (c *conn) ID() string               { return c.id }
func (c *conn) Session() *domain.Session { return c.sess }

type conns []*conn

func (cs conns) Snapshot() []protocol.Conn {
	out := make([]protocol.Conn, 0, len(cs))
	for _, c := range cs {
		out = append(out, c)
	}
	return out
}

type fixture struct {
	clock *clock
	h     *protocol.Handler
}

func newFixture(t *testing.T) *fixture {
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

	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := protocol.New(protocol.Config{},
		room.NewRegistry(room.Config{ReplayBufferSize: 1024}, room.WithClock(clk.Now)),
		eventbus.New(eventbus.WithClock(clk.Now)),
		st,
		validator{
			"agent": {UserID: "agent-1", Username: "Claw", IsAgent: true},
			"alice": {UserID: "user-alice", Username: "alice"},
		},
		protocol.WithClock(clk.Now),
	)
	t.Cleanup(h.Wait)
	return &fixture{clock: clk, h: h}
}

func (f *fixture) connect(t *testing.T, id, token string) *conn {
	c := &conn{Recorder: transporttest.NewRecorder(), id: id, sess: domain.NewSession(id, f.clock.Now())}
	f.h.HandleIncoming(context.Background(), c, []byte(`{"type":"auth","token":"`+token+`"}`))
	require.Equal(t, true, c.Last()["success"])
	return c
}

func (f *fixture) startRoom(t *testing.T) (*conn, string) {
	b := f.connect(t, "conn-b", "agent")
	f.h.HandleIncoming(context.Background(), b, []byte(`{"type":"create_stream","title":"demo"}`))
	created := b.Last()
	require.Equal(t, domain.MsgTypeStreamCreated, created["type"])
	return b, created["roomId"].(string)
}

func TestSweepEvictsSilentViewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broadcaster, roomID := f.startRoom(t)

	viewer := f.connect(t, "conn-v", "alice")
	f.h.HandleIncoming(ctx, viewer, []byte(`{"type":"join_stream","roomId":"`+roomID+`"}`))
	require.Equal(t, true, viewer.Last()["success"])

	sup := New(Config{HeartbeatTimeout: 45 * time.Second}, f.h, conns{broadcaster, viewer}, WithClock(f.clock.Now))

	// The broadcaster keeps heartbeating; the viewer goes silent at t=0.
	for i := 0; i < 3; i++ {
		f.clock.Advance(20 * time.Second)
		f.h.HandleIncoming(ctx, broadcaster, []byte(`{"type":"heartbeat"}`))
		sup.Sweep(ctx)
	}

	assert.True(t, viewer.Closed())
	assert.False(t, broadcaster.Closed())
	leaves := broadcaster.OfType(domain.MsgTypeViewerLeave)
	require.Len(t, leaves, 1)
	assert.EqualValues(t, 0, leaves[0]["viewerCount"])
	assert.False(t, viewer.Session().IsJoined())
}

func TestSweepSkipsFreshConnections(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "conn-1", "alice")
	sup := New(Config{HeartbeatTimeout: 45 * time.Second}, f.h, conns{c}, WithClock(f.clock.Now))

	f.clock.Advance(45 * time.Second)
	rep := sup.Sweep(context.Background())
	assert.Zero(t, rep.StaleConns)
	assert.False(t, c.Closed())
}

func TestSweepDropsIdleSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broadcaster, roomID := f.startRoom(t)

	quiet := transporttest.NewRecorder()
	chatty := transporttest.NewRecorder()
	require.NoError(t, f.h.Subscribe(ctx, roomID, &domain.Identity{UserID: "agent-q", Username: "Quiet", IsAgent: true}, quiet))
	require.NoError(t, f.h.Subscribe(ctx, roomID, &domain.Identity{UserID: "agent-c", Username: "Chatty", IsAgent: true}, chatty))

	sup := New(Config{HeartbeatTimeout: time.Hour, SubscriberTimeout: time.Minute, BusHeartbeatInterval: time.Hour}, f.h, conns{broadcaster}, WithClock(f.clock.Now))

	f.clock.Advance(50 * time.Second)
	f.h.Bus().Touch(roomID, "agent-c")
	f.clock.Advance(20 * time.Second)

	rep := sup.Sweep(ctx)
	assert.Equal(t, 1, rep.IdleSubscribers)
	assert.True(t, quiet.Closed())
	assert.False(t, chatty.Closed())

	gone := chatty.OfType(domain.EventAgentDisconnected)
	require.Len(t, gone, 1)
	assert.Equal(t, "agent-q", gone[0]["data"].(map[string]interface{})["agentId"])
}

func TestSweepPublishesBusHeartbeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broadcaster, roomID := f.startRoom(t)
	sub := transporttest.NewRecorder()
	require.NoError(t, f.h.Subscribe(ctx, roomID, &domain.Identity{UserID: "agent-s", Username: "Scout", IsAgent: true}, sub))

	sup := New(Config{HeartbeatTimeout: time.Hour, SubscriberTimeout: time.Hour, BusHeartbeatInterval: 30 * time.Second}, f.h, conns{broadcaster}, WithClock(f.clock.Now))

	f.clock.Advance(10 * time.Second)
	assert.Zero(t, sup.Sweep(ctx).Heartbeats)
	f.clock.Advance(25 * time.Second)
	assert.Equal(t, 1, sup.Sweep(ctx).Heartbeats)
	assert.Len(t, sub.OfType(domain.EventHeartbeat), 1)
}

func TestSweepEndsAbandonedRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broadcaster, roomID := f.startRoom(t)
	viewer := f.connect(t, "conn-v", "alice")
	f.h.HandleIncoming(ctx, viewer, []byte(`{"type":"join_stream","roomId":"`+roomID+`"}`))

	f.h.Teardown(ctx, broadcaster)
	sup := New(Config{HeartbeatTimeout: time.Hour, IdleRoomTimeout: 5 * time.Minute}, f.h, conns{viewer}, WithClock(f.clock.Now))

	f.clock.Advance(4 * time.Minute)
	assert.Zero(t, sup.Sweep(ctx).IdleRooms)

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, sup.Sweep(ctx).IdleRooms)

	ends := viewer.OfType(domain.MsgTypeStreamEnd)
	require.NotEmpty(t, ends)
	assert.Equal(t, domain.EndReasonTimeout, ends[len(ends)-1]["reason"])
	assert.True(t, viewer.Closed())
	_, err := f.h.Rooms().Get(roomID)
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	sup := New(Config{Interval: 10 * time.Millisecond}, f.h, conns{}, WithClock(f.clock.Now))
	sup.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sup.Stop()
	sup.Stop()
}
