package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig contains the connection details of the Redis server backing
// the stats store.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Address returns the host:port address of the configured server.
func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// redisStore implements Store on a Redis server.
type redisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis returns a Redis backed stats store. The connection is not probed
// here: the protector tolerates an unreachable store at any point and the
// first Ping of the request path reports the state.
func NewRedis(config *RedisConfig, logger *slog.Logger) Store {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address(),
		Password: config.Password,
	})

	logger.Debug("Stats store configured", "address", config.Address())

	return &redisStore{client: client, logger: logger}
}

// NewRedisFromClient wraps an existing Redis client. Used by tests running
// against miniredis.
func NewRedisFromClient(client *redis.Client, logger *slog.Logger) Store {
	return &redisStore{client: client, logger: logger}
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	return val, err
}

func (s *redisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()

	return n > 0, err
}

func (s *redisStore) RPush(ctx context.Context, list string, value string) error {
	return s.client.RPush(ctx, list, value).Err()
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *redisStore) HExists(ctx context.Context, hash string, field string) (bool, error) {
	return s.client.HExists(ctx, hash, field).Result()
}

func (s *redisStore) HSet(ctx context.Context, hash string, fields map[string]interface{}) error {
	args := make([]interface{}, 0, 2*len(fields))
	for field, value := range fields {
		args = append(args, field, value)
	}

	return s.client.HSet(ctx, hash, args...).Err()
}

func (s *redisStore) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	return s.client.HGetAll(ctx, hash).Result()
}

func (s *redisStore) HIncrBy(ctx context.Context, hash string, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, hash, field, delta).Result()
}

func (s *redisStore) ZScore(ctx context.Context, set string, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, set, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, err
	}

	return score, true, nil
}

func (s *redisStore) ZAdd(ctx context.Context, set string, member string, score float64) error {
	return s.client.ZAdd(ctx, set, &redis.Z{Member: member, Score: score}).Err()
}

func (s *redisStore) ZRangeWithScoresDesc(ctx context.Context, set string) ([]MemberScore, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, set, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	members := make([]MemberScore, 0, len(entries))

	for _, entry := range entries {
		member, ok := entry.Member.(string)
		if !ok {
			continue
		}

		members = append(members, MemberScore{Member: member, Score: entry.Score})
	}

	return members, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
