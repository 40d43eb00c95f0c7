// Package redis provides the engine's Redis-backed coordination: settlement
// locks, the bet intake rate limiter and the engine event bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	clientName         = "settler"
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 3 * time.Second
)

// Options configures the one connection pool shared by the lock manager,
// the rate limiter and the signal bus.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	TLS         bool
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

func (o Options) driver() *redis.Options {
	dial, rw := o.DialTimeout, o.IOTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	if rw <= 0 {
		rw = defaultIOTimeout
	}
	opts := &redis.Options{
		Addr:         o.Addr,
		ClientName:   clientName,
		Password:     o.Password,
		DB:           o.DB,
		PoolSize:     o.PoolSize,
		MaxRetries:   o.MaxRetries,
		DialTimeout:  dial,
		ReadTimeout:  rw,
		WriteTimeout: rw,
	}
	if o.TLS {
		host, _, err := net.SplitHostPort(o.Addr)
		if err != nil {
			host = o.Addr
		}
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}
	return opts
}

// Client is the engine's shared Redis connection.
type Client struct {
	rdb  *redis.Client
	addr string
}

// Dial opens the pool and fails fast when the server does not answer PING.
func Dial(ctx context.Context, o Options) (*Client, error) {
	c := &Client{rdb: redis.NewClient(o.driver()), addr: o.Addr}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Ping is registered as the "redis" health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.addr, err)
	}
	return nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// Underlying exposes the driver to the lock, limiter and bus.
func (c *Client) Underlying() *redis.Client { return c.rdb }
