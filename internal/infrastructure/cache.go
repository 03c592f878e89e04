package infrastructure

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/architeacher/txtransport/internal/config"
)

// NewRedisClient connects to the KeyDB/Redis server backing the redis
// subsystem and verifies it answers.
func NewRedisClient(ctx context.Context, cfg config.CacheConfig) (goredis.UniversalClient, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping keydb at %s: %w", cfg.Addr, err)
	}

	return client, nil
}
