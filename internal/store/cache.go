package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

var ErrCacheMiss = errors.New("cache miss")

// MessageCache holds serialized recent-message backlogs.
type MessageCache interface {
	Get(ctx context.Context, key string) ([]*domain.ChatMessage, error)
	Set(ctx context.Context, key string, msgs []*domain.ChatMessage, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	BuildKey(roomID string, limit int) string
	Pattern(roomID string) string
}

type RedisMessageCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisMessageCache(client redis.UniversalClient, prefix string) *RedisMessageCache {
	return &RedisMessageCache{client: client, prefix: prefix}
}

func (c *RedisMessageCache) BuildKey(roomID string, limit int) string {
	return fmt.Sprintf("%s:recent:%s:%d", c.prefix, roomID, limit)
}

func (c *RedisMessageCache) Pattern(roomID string) string {
	return fmt.Sprintf("%s:recent:%s:*", c.prefix, roomID)
}

func (c *RedisMessageCache) Get(ctx context.Context, key string) ([]*domain.ChatMessage, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var msgs []*domain.ChatMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return msgs, nil
}

func (c *RedisMessageCache) Set(ctx context.Context, key string, msgs []*domain.ChatMessage, ttl time.Duration) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

// Delete removes keys. A key ending in '*' is expanded with SCAN.
func (c *RedisMessageCache) Delete(ctx context.Context, keys ...string) error {
	var expanded []string
	for _, k := range keys {
		if len(k) == 0 || k[len(k)-1] != '*' {
			expanded = append(expanded, k)
			continue
		}
		iter := c.client.Scan(ctx, 0, k, 100).Iterator()
		for iter.Next(ctx) {
			expanded = append(expanded, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan redis keys: %w", err)
		}
	}
	if len(expanded) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, expanded...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// CachedStore serves RecentMessages from a cache and collapses concurrent
// loads of the same backlog. Writes to a room's history invalidate it.
type CachedStore struct {
	Store
	cache MessageCache
	ttl   time.Duration
	sf    singleflight.Group
}

func NewCachedStore(inner Store, cache MessageCache, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, cache: cache, ttl: ttl}
}

func (s *CachedStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error) {
	key := s.cache.BuildKey(roomID, limit)
	result, err, _ := s.sf.Do(key, func() (interface{}, error) {
		return s.fetchWithCache(ctx, roomID, limit, key)
	})
	if err != nil {
		return nil, err
	}
	msgs, ok := result.([]*domain.ChatMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return msgs, nil
}

func (s *CachedStore) fetchWithCache(ctx context.Context, roomID string, limit int, key string) ([]*domain.ChatMessage, error) {
	cached, err := s.cache.Get(ctx, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache get error")
	}

	msgs, err := s.Store.RecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, msgs, s.ttl); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache set error")
	}
	return msgs, nil
}

func (s *CachedStore) SaveMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if err := s.Store.SaveMessage(ctx, msg); err != nil {
		return err
	}
	s.invalidate(ctx, msg.RoomID)
	return nil
}

func (s *CachedStore) ClearMessages(ctx context.Context, roomID string) error {
	if err := s.Store.ClearMessages(ctx, roomID); err != nil {
		return err
	}
	s.invalidate(ctx, roomID)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, roomID string) {
	if err := s.cache.Delete(ctx, s.cache.Pattern(roomID)); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache invalidate error")
	}
}
