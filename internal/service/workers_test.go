package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/store/memory"
)

func TestSweeperSettlesOnlyDueMarkets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.proposedMarket(t, "m1")
	h.clock.Advance(time.Hour)
	h.proposedMarket(t, "m2")

	sweeper := NewSweeper(h.lifecycle, time.Second, 10, h.logger)
	h.clock.Set(rec.DisputeWindowEnd.Add(time.Minute))
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.MarketStatusResolved, h.market(t, "m1").Status)
	assert.Equal(t, domain.MarketStatusPendingResolution, h.market(t, "m2").Status)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type recordingSink struct {
	name string
	seen []domain.Event
	fail func(domain.Event) bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(_ context.Context, e domain.Event) error {
	if s.fail != nil && s.fail(e) {
		return errors.New("sink down")
	}
	s.seen = append(s.seen, e)
	return nil
}

func TestEventDispatcherDeliversInOrderAndStopsOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.proposedMarket(t, "m1")

	failing := true
	sink := &recordingSink{name: "test", fail: func(e domain.Event) bool {
		return failing && e.Type == domain.EventResolutionProposed
	}}
	d := NewEventDispatcher(h.store.Events(), []domain.EventSink{sink}, time.Second, 100, h.metrics, h.logger)

	n, err := d.DispatchOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.seen, 2)
	assert.Equal(t, domain.EventMarketCreated, sink.seen[0].Type)
	assert.Equal(t, domain.EventMarketTransitioned, sink.seen[1].Type)

	failing = false
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReputationApplierIsIdempotentPerEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 20)
	d := h.submit(t, alice, "m1", domain.DisputeEvidence)
	_, err := h.arb.Decide(ctx, admin, d.ID, domain.DecisionAccept, testNote)
	require.NoError(t, err)

	applier := NewReputationApplier(h.reputation, h.logger)
	deltas := h.eventsOfType(t, "m1", domain.EventReputationDelta)
	require.Len(t, deltas, 1)
	require.NoError(t, applier.Handle(ctx, deltas[0]))
	require.NoError(t, applier.Handle(ctx, deltas[0]))

	score, err := h.reputation.GetScore(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, score)

	// Deltas that went through JSON arrive as float64.
	deltas[0].ID = "replayed"
	deltas[0].Detail = map[string]any{"account": alice.ID, "delta": float64(-5)}
	require.NoError(t, applier.Handle(ctx, deltas[0]))
	score, _ = h.reputation.GetScore(ctx, alice.ID)
	assert.Equal(t, 25, score)
}

type flakyLedger struct {
	*memory.Ledger
	failures int
}

func (f *flakyLedger) Release(ctx context.Context, account string, amount int64, ref string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("ledger timeout")
	}
	return f.Ledger.Release(ctx, account, amount, ref)
}

func TestSettlementWorkerRetriesThenParks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ledger := &flakyLedger{Ledger: memory.NewLedger(), failures: 1}
	ledger.Deposit("acct", 100)
	require.NoError(t, ledger.Lock(ctx, "acct", 100, "d1"))

	require.NoError(t, store.Instructions().Enqueue(ctx,
		domain.LedgerInstruction{ID: "d1:release", DisputeID: "d1", Kind: domain.InstructionRelease, Account: "acct", Amount: 100, Status: domain.InstructionPending},
		domain.LedgerInstruction{ID: "d2:release", DisputeID: "d2", Kind: "bogus", Account: "acct", Amount: 1, Status: domain.InstructionPending},
	))

	w := NewSettlementWorker(store.Instructions(), ledger, time.Second, 10, 2, nil, discardLogger())
	n, err := w.ExecuteOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = w.ExecuteOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	available, _ := ledger.Balances("acct")
	assert.Equal(t, int64(100), available)

	d1, err := store.Instructions().ListByDispute(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstructionDone, d1[0].Status)
	assert.Equal(t, 2, d1[0].Attempts)

	d2, err := store.Instructions().ListByDispute(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, domain.InstructionFailed, d2[0].Status)
	assert.NotEmpty(t, d2[0].LastError)

	pending, err := store.Instructions().ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarketLockerSerializesPerMarket(t *testing.T) {
	l := NewMarketLocker(nil, 0, nil)
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA()
	unlock, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	unlock()
	assert.Empty(t, l.local.slots)
}
