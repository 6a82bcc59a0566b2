package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute(t *testing.T) {
	topic, key, err := route(RoomEventsChannel("room-1"))
	require.NoError(t, err)
	assert.Equal(t, "terminal-events", topic)
	assert.Equal(t, "room-1", key)

	topic, key, err = route(RoomChatChannel("room-2"))
	require.NoError(t, err)
	assert.Equal(t, "terminal-chat", topic)
	assert.Equal(t, "room-2", key)

	topic, key, err = route(PatternRoomChat)
	require.NoError(t, err)
	assert.Equal(t, "terminal-chat", topic)
	assert.Empty(t, key)
	assert.Contains(t, kafkaTopics, topic)

	topic, _, err = route(PatternRoomEvents)
	require.NoError(t, err)
	assert.Contains(t, kafkaTopics, topic)

	_, _, err = route("terminal:events")
	assert.Error(t, err)
	_, _, err = route("terminal:room::chat")
	assert.Error(t, err)
}

func TestSanitizeGroupID(t *testing.T) {
	assert.Equal(t, "terminal-room-a-b-events", sanitizeGroupID("terminal:room:a/b:events"))
}

func TestNewPubSubRejectsUnknownDriver(t *testing.T) {
	_, err := NewPubSub(Config{Driver: "nats"})
	assert.ErrorContains(t, err, "nats")
}

func TestRedisPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	ps := NewRedisPubSubFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := ps.Subscribe(ctx, RoomEventsChannel("room-1"))
	require.NoError(t, err)
	all, err := ps.SubscribePattern(ctx, PatternRoomEvents)
	require.NoError(t, err)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev, err := NewEvent("viewer_join", "room-1", map[string]int{"viewerCount": 2}, ts)
	require.NoError(t, err)
	ev.Origin = "node-1"
	require.NoError(t, ps.Publish(ctx, RoomEventsChannel("room-1"), ev))

	other, err := NewEvent("viewer_join", "room-2", nil, ts)
	require.NoError(t, err)
	require.NoError(t, ps.Publish(ctx, RoomEventsChannel("room-2"), other))

	select {
	case got := <-room:
		assert.Equal(t, "viewer_join", got.Type)
		assert.Equal(t, "node-1", got.Origin)
		assert.True(t, ts.Equal(got.Timestamp))
		var payload map[string]int
		require.NoError(t, got.UnmarshalPayload(&payload))
		assert.Equal(t, 2, payload["viewerCount"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event on room channel")
	}

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case got := <-all:
			seen[got.RoomID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("pattern subscription saw only %v", seen)
		}
	}

	require.NoError(t, ps.Unsubscribe(ctx, RoomEventsChannel("room-1")))
}
