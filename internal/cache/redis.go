// Package cache connects the Redis client shared by the detection queue and
// the analysis rate limiter.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proofofart/internal/config"
)

const pingTimeout = 5 * time.Second

// Options builds client options for a process role ("api" or "worker"). The
// role names the connection in CLIENT LIST unless a name is configured.
func Options(cfg config.RedisConfig, role string) *redis.Options {
	name := cfg.ClientName
	if name == "" {
		name = "proofofart-" + role
	}
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   name,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
}

func NewRedisClient(ctx context.Context, cfg config.RedisConfig, role string) (*redis.Client, error) {
	client := redis.NewClient(Options(cfg, role))

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return client, nil
}
