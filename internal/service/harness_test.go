package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/access"
	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
	"github.com/alanyoungcy/polyresolve/internal/store/memory"
)

const testReason = "the oracle reported the wrong final score for this match"

var (
	admin    = domain.Principal{ID: "admin-1", Role: domain.RoleAdmin}
	resolver = domain.Principal{ID: "oracle-1", Role: domain.RoleResolver}
	alice    = domain.Principal{ID: "alice", Role: domain.RoleUser}
	bob      = domain.Principal{ID: "bob", Role: domain.RoleUser}
	carol    = domain.Principal{ID: "carol", Role: domain.RoleUser}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store      domain.Store
	mem        *memory.Store
	ledger     *memory.Ledger
	reputation *memory.Reputation
	clock      *fakeClock
	metrics    *metrics.Recorder
	lifecycle  *Lifecycle
	bonds      *BondCalculator
	stakes     *StakeLedger
	disputes   *DisputeRegistry
	arb        *ArbitrationService
	logger     *slog.Logger
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	wrap    func(domain.Store) domain.Store
	limiter domain.RateLimiter
	limit   SubmitLimit
}

func withStore(wrap func(domain.Store) domain.Store) harnessOpt {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func withLimiter(l domain.RateLimiter, limit SubmitLimit) harnessOpt {
	return func(c *harnessConfig) { c.limiter, c.limit = l, limit }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{
		mem:        memory.NewStore(),
		ledger:     memory.NewLedger(),
		reputation: memory.NewReputation(),
		clock:      &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		metrics:    metrics.New(),
		logger:     discardLogger(),
	}
	h.store = h.mem
	if cfg.wrap != nil {
		h.store = cfg.wrap(h.mem)
	}
	authz := access.NewRoleAuthorizer(access.DefaultGrants)

	h.lifecycle = NewLifecycle(h.store, NewMarketLocker(nil, 0, h.metrics), authz, 48*time.Hour, h.metrics, h.logger)
	h.lifecycle.SetClock(h.clock.Now)

	bonds, err := NewBondCalculator(domain.DefaultBondPolicy(), memory.NewPolicyStore(), h.reputation, h.logger)
	require.NoError(t, err)
	h.bonds = bonds

	h.stakes = NewStakeLedger(h.ledger, h.bonds, "treasury", h.metrics, h.logger)
	h.stakes.SetClock(h.clock.Now)
	h.disputes = NewDisputeRegistry(h.store, h.lifecycle, h.stakes, h.bonds, authz, cfg.limiter, cfg.limit, 0, h.metrics, h.logger)
	h.arb = NewArbitrationService(h.lifecycle, h.disputes, h.stakes, authz, 0, h.metrics, h.logger)
	return h
}

// proposedMarket creates a market and proposes outcome yes on it.
func (h *harness) proposedMarket(t *testing.T, id string) domain.ResolutionRecord {
	t.Helper()
	ctx := context.Background()
	_, err := h.lifecycle.CreateMarket(ctx, admin, id, "Will it rain in Lisbon on 1 March?")
	require.NoError(t, err)
	rec, err := h.lifecycle.ProposeResolution(ctx, resolver, id, domain.ResolutionProposal{
		Outcome:    domain.OutcomeYes,
		Source:     domain.SourceAPI,
		Confidence: domain.ConfidenceHigh,
	})
	require.NoError(t, err)
	return rec
}

// fund gives an account a balance and a reputation score.
func (h *harness) fund(p domain.Principal, amount int64, score int) {
	h.ledger.Deposit(p.ID, amount)
	h.reputation.SetScore(p.ID, score)
}

func (h *harness) submit(t *testing.T, p domain.Principal, marketID string, typ domain.DisputeType) domain.Dispute {
	t.Helper()
	d, err := h.disputes.Submit(context.Background(), p, marketID, domain.DisputeForm{Type: typ, Reason: testReason})
	require.NoError(t, err)
	return d
}

func (h *harness) market(t *testing.T, id string) domain.Market {
	t.Helper()
	m, err := h.store.Markets().Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (h *harness) eventsOfType(t *testing.T, marketID string, typ domain.EventType) []domain.Event {
	t.Helper()
	all, err := h.store.Events().ListByMarket(context.Background(), marketID, domain.ListOpts{})
	require.NoError(t, err)
	var out []domain.Event
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
