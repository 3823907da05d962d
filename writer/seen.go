package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobflow/logger"
)

const seenKeyPrefix = "jobflow:seen:"

// RedisSeenStore is the cross-run dedup index. Keys expire after the
// configured TTL so long-dead postings can reappear as fresh data.
type RedisSeenStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Log
}

func NewRedisSeenStore(ctx context.Context, url string, ttl time.Duration) (*RedisSeenStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	store := &RedisSeenStore{client: client, ttl: ttl, log: logger.GetLogger()}
	store.log.WithComponent("seen_store").WithFields(logger.Fields{"ttl": ttl.String()}).Info("redis seen store initialized")
	return store, nil
}

func (s *RedisSeenStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, seenKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("seen lookup failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisSeenStore) MarkSeen(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, seenKeyPrefix+key, 1, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seen update failed: %w", err)
	}
	return nil
}

func (s *RedisSeenStore) Close() error {
	return s.client.Close()
}
