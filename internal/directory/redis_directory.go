// Package directory advertises this process's live rooms in Redis so other
// processes (room lists, load balancers) can find them. Entries expire on
// their own if the process dies without withdrawing them.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/config"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Entry is what other processes read back for one room.
type Entry struct {
	domain.StreamInfo
	Address   string    `json:"address"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type RedisDirectory struct {
	client            *redis.Client
	address           string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time

	entries map[string]Entry // rooms advertised by this instance
	mu      sync.RWMutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisDirectory connects to Redis and verifies the connection. address
// is the public address viewers should dial for rooms listed here.
func NewRedisDirectory(cfg config.RedisConfig, address string) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, cfg, address), nil
}

// New wraps an existing client.
func New(client *redis.Client, cfg config.RedisConfig, address string) *RedisDirectory {
	prefix := cfg.DirectoryPrefix
	if prefix == "" {
		prefix = "terminal:rooms"
	}
	ttl := cfg.KeyTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 || interval >= ttl {
		interval = ttl / 3
	}
	return &RedisDirectory{
		client:            client,
		address:           address,
		prefix:            prefix,
		keyTTL:            ttl,
		heartbeatInterval: interval,
		now:               time.Now,
		entries:           make(map[string]Entry),
	}
}

func (d *RedisDirectory) keyFor(roomID string) string {
	return fmt.Sprintf("%s:%s", d.prefix, roomID)
}

// Advertise publishes or refreshes info for its room.
func (d *RedisDirectory) Advertise(ctx context.Context, info domain.StreamInfo) error {
	e := Entry{StreamInfo: info, Address: d.address, UpdatedAt: d.now()}
	if err := d.write(ctx, e); err != nil {
		return err
	}

	d.mu.Lock()
	d.entries[info.RoomID] = e
	d.mu.Unlock()

	l := log.L()
	l.Debug().Str(log.FieldRoomID, info.RoomID).Str("address", d.address).Msg("advertised room")
	return nil
}

// Withdraw removes roomID from the directory.
func (d *RedisDirectory) Withdraw(ctx context.Context, roomID string) error {
	d.mu.Lock()
	delete(d.entries, roomID)
	d.mu.Unlock()

	if err := d.client.Del(ctx, d.keyFor(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to withdraw room: %w", err)
	}
	l := log.L()
	l.Debug().Str(log.FieldRoomID, roomID).Msg("withdrew room")
	return nil
}

// Lookup reads one room's entry, whichever process advertised it.
func (d *RedisDirectory) Lookup(ctx context.Context, roomID string) (*Entry, error) {
	raw, err := d.client.Get(ctx, d.keyFor(roomID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("room %s not in directory", roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup room: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode directory entry: %w", err)
	}
	return &e, nil
}

// List returns every advertised room across processes.
func (d *RedisDirectory) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	iter := d.client.Scan(ctx, 0, d.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := d.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read directory entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}
	return out, nil
}

func (d *RedisDirectory) write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := d.client.Set(ctx, d.keyFor(e.RoomID), data, d.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to advertise room: %w", err)
	}
	return nil
}

// StartHeartbeat keeps this instance's entries alive until ctx ends or
// Close is called.
func (d *RedisDirectory) StartHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.heartbeatLoop(ctx)
	l := log.L()
	l.Info().Dur("interval", d.heartbeatInterval).Dur("ttl", d.keyTTL).Msg("directory heartbeat started")
}

func (d *RedisDirectory) heartbeatLoop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Refresh(ctx)
		}
	}
}

// Refresh rewrites every entry owned by this instance, resetting its TTL.
func (d *RedisDirectory) Refresh(ctx context.Context) int {
	d.mu.RLock()
	entries := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.UpdatedAt = d.now()
		if err := d.write(ctx, e); err != nil {
			l := log.L()
			l.Error().Str(log.FieldRoomID, e.RoomID).Err(err).Msg("failed to refresh directory entry")
			continue
		}
		n++
	}
	return n
}

// Close stops the heartbeat, withdraws this instance's rooms and closes the
// client.
func (d *RedisDirectory) Close() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	d.mu.Lock()
	keys := make([]string, 0, len(d.entries))
	for roomID := range d.entries {
		keys = append(keys, d.keyFor(roomID))
	}
	d.entries = make(map[string]Entry)
	d.mu.Unlock()

	if len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.client.Del(ctx, keys...).Err(); err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("failed to withdraw rooms on close")
		}
	}
	return d.client.Close()
}
