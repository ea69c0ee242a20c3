// Package redis implements the distributed lock, rate limiter and signal bus
// on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix          = "resolver"
	defaultDialTimeout        = 5 * time.Second
	defaultLockWait           = 5 * time.Second
	defaultStreamMaxLen int64 = 100_000
)

// ClientConfig holds connection parameters for the Redis client and the
// settings shared by the lock manager, rate limiter and signal bus built on
// it. Zero values fall back to package defaults.
type ClientConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration
	TLSEnabled  bool

	// KeyPrefix namespaces every key and channel, so several resolver
	// deployments can share one Redis.
	KeyPrefix string
	// LockWait is how long a market lock acquisition keeps retrying.
	LockWait time.Duration
	// StreamMaxLen caps each event stream via XADD MAXLEN ~.
	StreamMaxLen int64
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	cfg.KeyPrefix = strings.TrimRight(cfg.KeyPrefix, ":")
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamMaxLen
	}
	return cfg
}

func (cfg ClientConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client wraps a go-redis Client together with the namespace and limits the
// coordination primitives share.
type Client struct {
	rdb          *redis.Client
	prefix       string
	lockWait     time.Duration
	streamMaxLen int64
}

// New connects to Redis and pings it. It returns an error if the server
// cannot be reached.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	rdb := redis.NewClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{
		rdb:          rdb,
		prefix:       cfg.KeyPrefix,
		lockWait:     cfg.LockWait,
		streamMaxLen: cfg.StreamMaxLen,
	}, nil
}

// Key joins parts under the client's namespace, e.g. "resolver:lock:market:m1".
func (c *Client) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Ping reports whether Redis answers. It backs the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
