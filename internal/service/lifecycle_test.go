package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

func TestProposeResolutionOpensWindow(t *testing.T) {
	h := newHarness(t)
	rec := h.proposedMarket(t, "m1")

	assert.Equal(t, h.clock.Now().Add(48*time.Hour), rec.DisputeWindowEnd)
	m := h.market(t, "m1")
	assert.Equal(t, domain.MarketStatusPendingResolution, m.Status)
	assert.Equal(t, rec.ID, m.ActiveResolutionID)
	require.NotNil(t, m.DisputePeriodEnd)
	assert.Equal(t, rec.DisputeWindowEnd, *m.DisputePeriodEnd)

	transitions := h.eventsOfType(t, "m1", domain.EventMarketTransitioned)
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.MarketStatusActive, transitions[0].FromStatus)
	assert.Equal(t, domain.MarketStatusPendingResolution, transitions[0].ToStatus)
	assert.Equal(t, resolver.ID, transitions[0].Actor)
}

func TestProposeResolutionRejectsSecondProposal(t *testing.T) {
	h := newHarness(t)
	h.proposedMarket(t, "m1")

	_, err := h.lifecycle.ProposeResolution(context.Background(), admin, "m1", domain.ResolutionProposal{
		Outcome: domain.OutcomeNo, Source: domain.SourceAdmin, Confidence: domain.ConfidenceLow,
	})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.MarketStatusPendingResolution, te.From)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestProposeResolutionValidatesAndAuthorizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.lifecycle.CreateMarket(ctx, admin, "m1", "question")
	require.NoError(t, err)

	_, err = h.lifecycle.ProposeResolution(ctx, resolver, "m1", domain.ResolutionProposal{Outcome: "maybe"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.lifecycle.ProposeResolution(ctx, alice, "m1", domain.ResolutionProposal{
		Outcome: domain.OutcomeYes, Source: domain.SourceAPI, Confidence: domain.ConfidenceHigh,
	})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.MarketStatusActive, h.market(t, "m1").Status)
}

func TestCreateMarketDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.lifecycle.CreateMarket(ctx, admin, "m1", "question")
	require.NoError(t, err)
	_, err = h.lifecycle.CreateMarket(ctx, admin, "m1", "question")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	_, err = h.lifecycle.CreateMarket(ctx, alice, "m2", "question")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSettleElapsedRespectsWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.proposedMarket(t, "m1")

	h.clock.Set(rec.DisputeWindowEnd.Add(-time.Second))
	settled, err := h.lifecycle.SettleElapsed(ctx, "m1", "")
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Equal(t, domain.MarketStatusPendingResolution, h.market(t, "m1").Status)

	h.clock.Set(rec.DisputeWindowEnd)
	settled, err = h.lifecycle.SettleElapsed(ctx, "m1", "")
	require.NoError(t, err)
	assert.True(t, settled)

	m := h.market(t, "m1")
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	got, err := h.store.Resolutions().Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalOutcome)
	assert.Equal(t, domain.OutcomeYes, *got.FinalOutcome)

	settled, err = h.lifecycle.SettleElapsed(ctx, "m1", "")
	require.NoError(t, err)
	assert.False(t, settled)
}

func TestSettleElapsedExactlyOnceUnderContention(t *testing.T) {
	h := newHarness(t)
	rec := h.proposedMarket(t, "m1")
	h.clock.Set(rec.DisputeWindowEnd.Add(time.Minute))

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.lifecycle.SettleElapsed(context.Background(), "m1", "")
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, h.eventsOfType(t, "m1", domain.EventMarketSettled), 1)
}

func TestFreezeBlocksWorkflowUntilUnlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 0)

	m, err := h.lifecycle.Freeze(ctx, admin, "m1", "oracle outage")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusLocked, m.Status)
	assert.Equal(t, domain.MarketStatusPendingResolution, m.LockedFrom)

	_, err = h.disputes.Submit(ctx, alice, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	available, locked := h.ledger.Balances(alice.ID)
	assert.Equal(t, int64(1000), available)
	assert.Zero(t, locked)

	_, err = h.lifecycle.Freeze(ctx, admin, "m1", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	m, err = h.lifecycle.Unlock(ctx, admin, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusPendingResolution, m.Status)
	assert.Empty(t, m.LockedFrom)

	_, err = h.lifecycle.Unlock(ctx, admin, "m1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFreezeResolvedMarketFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.proposedMarket(t, "m1")
	h.clock.Set(rec.DisputeWindowEnd)
	_, err := h.lifecycle.SettleElapsed(ctx, "m1", "")
	require.NoError(t, err)

	_, err = h.lifecycle.Freeze(ctx, admin, "m1", "too late")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	_, err = h.lifecycle.Freeze(ctx, alice, "m1", "not allowed")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestResolvedMarketRejectsMutation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.proposedMarket(t, "m1")
	h.clock.Set(rec.DisputeWindowEnd)
	_, err := h.lifecycle.SettleElapsed(ctx, "m1", "")
	require.NoError(t, err)

	_, err = h.lifecycle.ProposeResolution(ctx, admin, "m1", domain.ResolutionProposal{
		Outcome: domain.OutcomeNo, Source: domain.SourceAdmin, Confidence: domain.ConfidenceHigh,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	h.fund(alice, 1000, 0)
	_, err = h.disputes.Submit(ctx, alice, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestReplacementResolutionSupersedesRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 0)
	d := h.submit(t, alice, "m1", domain.DisputeEvidence)
	_, err := h.arb.Decide(ctx, admin, d.ID, domain.DecisionAccept, "evidence shows the outcome was wrong")
	require.NoError(t, err)
	require.Equal(t, domain.MarketStatusDisputedResolution, h.market(t, "m1").Status)

	prop := domain.ResolutionProposal{Outcome: domain.OutcomeNo, Source: domain.SourceAdmin, Confidence: domain.ConfidenceHigh}
	_, err = h.lifecycle.ProposeResolution(ctx, resolver, "m1", prop)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	second, err := h.lifecycle.ProposeResolution(ctx, admin, "m1", prop)
	require.NoError(t, err)

	old, err := h.store.Resolutions().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, old.SupersededBy)
	m := h.market(t, "m1")
	assert.Equal(t, domain.MarketStatusPendingResolution, m.Status)
	assert.Equal(t, second.ID, m.ActiveResolutionID)
}

func TestViewEvaluatesWindowLazily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.proposedMarket(t, "m1")

	h.clock.Advance(12 * time.Hour)
	v, err := h.lifecycle.View(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, v.WindowOpen)
	assert.Equal(t, 36*time.Hour, v.WindowRemaining)
	assert.False(t, v.SettlementDue)
	require.NotNil(t, v.Resolution)
	assert.Equal(t, rec.ID, v.Resolution.ID)
	assert.NotNil(t, v.Disputes)

	h.clock.Set(rec.DisputeWindowEnd.Add(time.Second))
	v, err = h.lifecycle.View(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, v.WindowOpen)
	assert.Zero(t, v.WindowRemaining)
	assert.True(t, v.SettlementDue)

	_, err = h.lifecycle.View(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestAuditRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.proposedMarket(t, "m1")

	events, err := h.lifecycle.Audit(ctx, admin, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Greater(t, events[0].Seq, events[1].Seq)

	_, err = h.lifecycle.Audit(ctx, alice, domain.ListOpts{})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
