package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "crypto-live-feed:"

// RedisSnapshotCache caches read-model responses in Redis as JSON
type RedisSnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewRedisSnapshotCache connects to Redis
func NewRedisSnapshotCache(ctx context.Context, cfg *config.RedisConfig, logger *logger.Logger) (*RedisSnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))

	return &RedisSnapshotCache{
		client: client,
		ttl:    cfg.SnapshotTTL,
		logger: logger.WithComponent("redis-snapshot-cache"),
	}, nil
}

// Get loads key into dest; hit is false on a miss
func (c *RedisSnapshotCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return true, nil
}

// Set stores value under key for the configured TTL
func (c *RedisSnapshotCache) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Close closes the connection
func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}

// NoopSnapshotCache is used when Redis is disabled; every lookup misses
type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(context.Context, string, any) (bool, error) { return false, nil }

func (NoopSnapshotCache) Set(context.Context, string, any) error { return nil }

var (
	_ repository.SnapshotCache = (*RedisSnapshotCache)(nil)
	_ repository.SnapshotCache = NoopSnapshotCache{}
)
