package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
)

// marketLocks serializes work per market ID. Entries are reference counted
// and dropped when the last waiter leaves, so idle markets cost nothing.
type marketLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newMarketLocks() *marketLocks {
	return &marketLocks{slots: make(map[string]*lockSlot)}
}

func (l *marketLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.drop(key, slot)
		})
	}, nil
}

func (l *marketLocks) drop(key string, slot *lockSlot) {
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

// MarketLocker acquires the process-local lock for a market and, when a
// distributed LockManager is configured, the cluster-wide one after it.
type MarketLocker struct {
	local   *marketLocks
	dist    domain.LockManager
	ttl     time.Duration
	metrics *metrics.Recorder
}

// NewMarketLocker creates a MarketLocker. dist may be nil.
func NewMarketLocker(dist domain.LockManager, ttl time.Duration, rec *metrics.Recorder) *MarketLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &MarketLocker{local: newMarketLocks(), dist: dist, ttl: ttl, metrics: rec}
}

// Lock blocks until the market is exclusively held by the caller.
func (m *MarketLocker) Lock(ctx context.Context, marketID string) (func(), error) {
	start := time.Now()
	unlockLocal, err := m.local.acquire(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market_lock: local %s: %w", marketID, err)
	}
	if m.dist == nil {
		m.metrics.LockWait(time.Since(start))
		return unlockLocal, nil
	}
	unlockDist, err := m.dist.Acquire(ctx, "market:"+marketID, m.ttl)
	if err != nil {
		unlockLocal()
		return nil, fmt.Errorf("market_lock: distributed %s: %w", marketID, err)
	}
	m.metrics.LockWait(time.Since(start))
	return func() {
		unlockDist()
		unlockLocal()
	}, nil
}
