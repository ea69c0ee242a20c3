package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. Acquire blocks until the lock is
// obtained, the wait budget runs out (ErrLockHeld) or ctx is done.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// MarketEventsChannel is the pub/sub channel for one market's events.
func MarketEventsChannel(marketID string) string { return "market:events:" + marketID }

// MarketEventsPattern matches every market's event channel.
const MarketEventsPattern = "market:events:*"

// MarketEventsStream is the durable stream holding every published event.
const MarketEventsStream = "market_events"
