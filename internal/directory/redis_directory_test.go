package directory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/config"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
)

func newDirectory(t *testing.T) (*RedisDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := New(client, config.RedisConfig{
		DirectoryPrefix:   "test:rooms",
		KeyTTL:            30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}, "ws://node-1:8090")
	return d, mr
}

func TestAdvertiseLookupWithdraw(t *testing.T) {
	ctx := context.Background()
	d, mr := newDirectory(t)
	defer d.Close()

	info := domain.StreamInfo{RoomID: "room-1", StreamID: "s-1", Title: "vim golf", OwnerName: "alice", Live: true}
	require.NoError(t, d.Advertise(ctx, info))

	assert.True(t, mr.Exists("test:rooms:room-1"))
	assert.Equal(t, 30*time.Second, mr.TTL("test:rooms:room-1"))

	e, err := d.Lookup(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "vim golf", e.Title)
	assert.Equal(t, "ws://node-1:8090", e.Address)

	require.NoError(t, d.Withdraw(ctx, "room-1"))
	assert.False(t, mr.Exists("test:rooms:room-1"))
	_, err = d.Lookup(ctx, "room-1")
	assert.Error(t, err)
}

func TestEntriesExpireWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	d, mr := newDirectory(t)
	defer d.Close()

	require.NoError(t, d.Advertise(ctx, domain.StreamInfo{RoomID: "room-1"}))
	require.NoError(t, d.Advertise(ctx, domain.StreamInfo{RoomID: "room-2"}))

	mr.FastForward(20 * time.Second)
	assert.Equal(t, 2, d.Refresh(ctx))
	mr.FastForward(20 * time.Second)
	assert.True(t, mr.Exists("test:rooms:room-1"))

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists("test:rooms:room-1"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	d, mr := newDirectory(t)
	defer d.Close()

	require.NoError(t, d.Advertise(ctx, domain.StreamInfo{RoomID: "room-1", Title: "a"}))
	require.NoError(t, d.Advertise(ctx, domain.StreamInfo{RoomID: "room-2", Title: "b"}))
	mr.Set("other:key", "ignored")

	entries, err := d.List(ctx)
	require.NoError(t, err)
	titles := map[string]bool{}
	for _, e := range entries {
		titles[e.Title] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, titles)
}

func TestCloseWithdrawsOwnedRooms(t *testing.T) {
	ctx := context.Background()
	d, mr := newDirectory(t)

	require.NoError(t, d.Advertise(ctx, domain.StreamInfo{RoomID: "room-1"}))
	d.StartHeartbeat(ctx)
	require.NoError(t, d.Close())
	assert.False(t, mr.Exists("test:rooms:room-1"))
}

func TestHeartbeatIntervalClampedBelowTTL(t *testing.T) {
	d := New(redis.NewClient(&redis.Options{}), config.RedisConfig{KeyTTL: 9 * time.Second, HeartbeatInterval: time.Minute}, "")
	defer d.Close()
	assert.Equal(t, 3*time.Second, d.heartbeatInterval)
	assert.Equal(t, "terminal:rooms", d.prefix)
}
