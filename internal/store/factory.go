package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Open creates the repository selected by driver and verifies it is reachable.
func Open(ctx context.Context, driver, dbPath, redisURL string, opts ...RedisOption) (Repository, error) {
	switch driver {
	case "", DriverSQLite:
		return NewSQLite(dbPath)
	case DriverRedis:
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		repo := NewRedis(redis.NewClient(redisOpts), opts...)
		if err := repo.Ping(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
