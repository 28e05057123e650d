package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Store round-trips are kept short: a turn holds no locks, so a slow Redis
// should fail the turn rather than stall it.
const (
	poolSize     = 20
	minIdleConns = 5
	dialTimeout  = 5 * time.Second
	ioTimeout    = 3 * time.Second
	pingTimeout  = 5 * time.Second
)

// Client owns the shared connection pool used by the session, case, catalog
// and action log stores.
type Client struct {
	rdb *redis.Client
}

// Connect parses a redis:// URL, applies the pool settings above and pings
// the server before returning.
func Connect(ctx context.Context, url string, logger *logrus.Logger) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opt.PoolSize = poolSize
	opt.MinIdleConns = minIdleConns
	opt.DialTimeout = dialTimeout
	opt.ReadTimeout = ioTimeout
	opt.WriteTimeout = ioTimeout

	client := &Client{rdb: redis.NewClient(opt)}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("addr", opt.Addr).Info("Connected to Redis")
	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis exposes the underlying go-redis client for the store constructors.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}
