package database

import (
	"context"
	"fmt"

	"fastraygram/internal/config"
	"fastraygram/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis returns nil without error when REDIS_HOST is empty; callers
// treat a nil client as "no shared state".
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisHost == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logging.Infof("Connected to Redis")
	return rdb, nil
}
