package redis

import (
	"context"
	"fmt"
	"time"

	"securordo/internal/common/config"

	"github.com/go-redis/redis/v8"
)

// Client Redis客户端类型别名
type Client = redis.Client

// Timeouts are short: Redis only fronts the nonce ledger and the alert stream,
// and a slow cache must fall back to Postgres instead of stalling a scan.
const (
	dialTimeout  = 2 * time.Second
	ioTimeout    = 500 * time.Millisecond
	pingTimeout  = 3 * time.Second
	minIdleConns = 2
)

// NewRedisClient 创建Redis客户端
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
		MinIdleConns: minIdleConns,
	})
}

// Ping checks the connection, bounded by pingTimeout when ctx has no deadline.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s unreachable: %w", client.Options().Addr, err)
	}
	return nil
}

// Close is a no-op for a nil client, so callers can defer it unconditionally.
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
