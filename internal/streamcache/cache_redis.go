package streamcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"zingrelay/internal/domain"
)

const redisKeyPrefix = "zingrelay:stream:"

// RedisBackend shares resolved streams between relay instances and restarts.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = redisKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) Get(ctx context.Context, trackID string) (domain.StreamEntry, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+trackID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.StreamEntry{}, false, nil
		}
		return domain.StreamEntry{}, false, err
	}
	var entry domain.StreamEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.StreamEntry{}, false, err
	}
	return entry, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, entry domain.StreamEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+entry.TrackID, data, ttl).Err()
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
