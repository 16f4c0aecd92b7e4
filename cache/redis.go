package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"transport-dispatch/config"
	"transport-dispatch/logger"
)

var Rdb *redis.Client

// InitializeRedis connects the shared client and checks it answers.
func InitializeRedis(ctx context.Context, cfg config.RedisConfig, l *slog.Logger) error {
	client, err := Connect(ctx, cfg)
	if err != nil {
		return err
	}
	Rdb = client
	logger.OrDefault(l).Info("connected to redis", slog.String("addr", cfg.Addr), slog.Int("db", cfg.DB))
	return nil
}

// Connect returns a pinged client without touching Rdb.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// GetRedisClient returns the Redis client
func GetRedisClient() *redis.Client {
	return Rdb
}
