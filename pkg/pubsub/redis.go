package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// eventBuffer is the per-subscription backlog shared by both drivers.
const eventBuffer = 100

const redisDialTimeout = 5 * time.Second

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// stop closes the Redis subscription and waits for its reader to exit.
func (s *redisSubscription) stop() error {
	err := s.ps.Close()
	<-s.done
	return err
}

// RedisPubSub maps channels one to one onto Redis pub/sub channels. Delivery
// is at most once: nothing is kept for subscribers that are not connected.
type RedisPubSub struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

func NewRedisPubSub(cfg RedisConfig) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Address, err)
	}
	return NewRedisPubSubFromClient(client), nil
}

// NewRedisPubSubFromClient takes ownership of client; Close closes it.
func NewRedisPubSubFromClient(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client, subs: make(map[string]*redisSubscription)}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so an event
// published after it returns is delivered.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return r.subscribe(ctx, channel, r.client.Subscribe(ctx, channel))
}

// SubscribePattern takes a Redis glob such as PatternRoomEvents.
func (r *RedisPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return r.subscribe(ctx, pattern, r.client.PSubscribe(ctx, pattern))
}

func (r *RedisPubSub) subscribe(ctx context.Context, key string, ps *redis.PubSub) (<-chan *Event, error) {
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	events := make(chan *Event, eventBuffer)
	go r.forward(ctx, sub, events)

	r.mu.Lock()
	old := r.subs[key]
	r.subs[key] = sub
	r.mu.Unlock()
	if old != nil {
		old.stop()
	}
	return events, nil
}

// forward decodes messages onto events until ctx ends or the subscription
// is closed.
func (r *RedisPubSub) forward(ctx context.Context, sub *redisSubscription, events chan<- *Event) {
	defer close(sub.done)
	defer close(events)

	msgs := sub.ps.Channel()
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			msg = m
		}

		ev := new(Event)
		if err := json.Unmarshal([]byte(msg.Payload), ev); err != nil {
			l := log.L()
			l.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed pubsub event")
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		default:
			l := log.L()
			l.Debug().Str("channel", msg.Channel).Str(log.FieldRoomID, ev.RoomID).Msg("subscriber behind, event dropped")
		}
	}
}

func (r *RedisPubSub) Unsubscribe(_ context.Context, channel string) error {
	r.mu.Lock()
	sub := r.subs[channel]
	delete(r.subs, channel)
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.stop()
}

// Close ends every subscription, then closes the client.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return r.client.Close()
}
