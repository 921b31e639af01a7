package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore shares tracker state across processes through Redis. Lookups
// fail open: on a Redis error the key reads as empty, which only makes the
// dispatcher less cautious for one call.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. Entries expire after ttl so
// stale usage records do not outlive the platform's own decay window.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger, ttl: ttl}
}

func (s *RedisStore) redisKey(key Key) string {
	return "quota:state:" + key.String()
}

// Get loads the key's state from Redis.
func (s *RedisStore) Get(key Key) (State, bool) {
	ctx := context.Background()
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return State{}, false
	}
	if err != nil {
		s.logger.Warn("quota state read failed", zap.String("key", key.String()), zap.Error(err))
		return State{}, false
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Warn("quota state corrupt, dropping", zap.String("key", key.String()), zap.Error(err))
		s.client.Del(ctx, s.redisKey(key))
		return State{}, false
	}
	return st, true
}

// Set stores the key's state in Redis.
func (s *RedisStore) Set(key Key, st State) {
	ctx := context.Background()
	raw, err := json.Marshal(st)
	if err != nil {
		s.logger.Warn("quota state encode failed", zap.String("key", key.String()), zap.Error(err))
		return
	}
	if err := s.client.Set(ctx, s.redisKey(key), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("quota state write failed", zap.String("key", key.String()), zap.Error(err))
	}
}

// Delete removes the key's state from Redis.
func (s *RedisStore) Delete(key Key) {
	if err := s.client.Del(context.Background(), s.redisKey(key)).Err(); err != nil {
		s.logger.Warn("quota state delete failed", zap.String("key", key.String()), zap.Error(err))
	}
}
