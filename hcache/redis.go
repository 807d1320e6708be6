package hcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	// TTL bounds how long a cutoff hint survives. Zero means no expiry;
	// staleness is already guarded by the message-count revalidation.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultRedisConfig returns sensible Redis defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "hcache")),
	}, nil
}

// NewRedisStoreFromClient wraps an existing client (tests use miniredis).
func NewRedisStoreFromClient(client *redis.Client, config RedisConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "hcache")),
	}
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	val, err := s.client.Get(ctx, key.String()).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		s.logger.Warn("hcache get failed", zap.String("key", key.String()), zap.Error(err))
		return Entry{}, false, fmt.Errorf("hcache get failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		// A corrupt entry is a miss, not a failure.
		s.logger.Warn("hcache entry corrupt, dropping", zap.String("key", key.String()), zap.Error(err))
		_ = s.client.Del(ctx, key.String()).Err()
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key Key, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal hcache entry: %w", err)
	}
	if err := s.client.Set(ctx, key.String(), data, s.config.TTL).Err(); err != nil {
		s.logger.Warn("hcache set failed", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("hcache set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("hcache delete failed: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
