package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/relay/internal/model"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ StatusCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func key(messageID string) string {
	return fmt.Sprintf("msg:%s", messageID)
}

func (c *RedisCache) RecordStatus(ctx context.Context, messageID string, status model.Status, at time.Time) error {
	b, err := json.Marshal(Entry{Status: status, At: at.UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(messageID), b, c.ttl).Err()
}

func (c *RedisCache) LastStatus(ctx context.Context, messageID string) (Entry, error) {
	raw, err := c.rdb.Get(ctx, key(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("cached status for %s: %w", messageID, model.ErrNotFound)
	}
	if err != nil {
		return Entry{}, err
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode cached status for %s: %w", messageID, err)
	}
	return e, nil
}
