package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/pubsub"
)

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	events   []*pubsub.Event
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, ev *pubsub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.channels = append(p.channels, channel)
	p.events = append(p.events, ev)
	return nil
}

func TestPublishRoutesByType(t *testing.T) {
	pub := &recordingPublisher{}
	m := New(pub, "node-1")
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "room-1", domain.EventChat, map[string]string{"content": "hi"}))
	require.NoError(t, m.Publish(ctx, "room-1", domain.EventViewerJoin, map[string]int{"viewerCount": 1}))

	assert.Equal(t, []string{"terminal:room:room-1:chat", "terminal:room:room-1:events"}, pub.channels)
	assert.Equal(t, "node-1", pub.events[0].Origin)
	assert.Equal(t, domain.EventChat, pub.events[0].Type)
	assert.JSONEq(t, `{"content":"hi"}`, string(pub.events[0].Payload))
}

func TestPublishWrapsErrors(t *testing.T) {
	m := New(&recordingPublisher{err: errors.New("broker down")}, "node-1")
	err := m.Publish(context.Background(), "room-1", domain.EventStreamEnd, nil)
	assert.ErrorContains(t, err, "broker down")
	assert.ErrorContains(t, err, domain.EventStreamEnd)

	err = m.Publish(context.Background(), "room-1", domain.EventChat, make(chan int))
	assert.Error(t, err)
}

func TestTailOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ps := pubsub.NewRedisPubSubFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *pubsub.Event, 4)
	tailing := make(chan error, 1)
	go func() {
		tailing <- Tail(ctx, ps, "room-1", func(ev *pubsub.Event) { got <- ev })
	}()

	m := New(ps, "node-1")
	// Tail subscribes asynchronously; publish until the first event lands.
	require.Eventually(t, func() bool {
		if err := m.Publish(ctx, "room-1", domain.EventChat, map[string]string{"content": "hi"}); err != nil {
			return false
		}
		select {
		case ev := <-got:
			return ev.Type == domain.EventChat
		default:
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)

	require.NoError(t, m.Publish(ctx, "room-2", domain.EventViewerJoin, nil))
	require.NoError(t, m.Publish(ctx, "room-1", domain.EventModAction, nil))
	for {
		select {
		case ev := <-got:
			if ev.Type == domain.EventChat {
				continue
			}
			assert.Equal(t, domain.EventModAction, ev.Type)
			assert.Equal(t, "room-1", ev.RoomID)
			cancel()
			require.NoError(t, <-tailing)
			return
		case <-time.After(2 * time.Second):
			t.Fatal("mod_action never arrived")
		}
	}
}
