package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/rtcnet/config"
	"github.com/redis/go-redis/v9"
)

// pingTimeout bounds the connection check done by Connect.
const pingTimeout = 5 * time.Second

// Connect creates a Redis client and checks that the server answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
