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

func TestSubmitPricesBondFromReputation(t *testing.T) {
	h := newHarness(t)
	h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 5)

	d := h.submit(t, alice, "m1", domain.DisputeAPIError)

	assert.Equal(t, int64(750), d.BondAmount)
	assert.Equal(t, "v1", d.PolicyVersion)
	assert.Equal(t, domain.DisputePending, d.Status)
	available, locked := h.ledger.Balances(alice.ID)
	assert.Equal(t, int64(250), available)
	assert.Equal(t, int64(750), locked)
	assert.Equal(t, domain.MarketStatusDisputing, h.market(t, "m1").Status)

	entry, err := h.disputes.Stake(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionHeld, entry.Disposition)
	assert.Equal(t, int64(750), entry.AmountCommitted)
	assert.Len(t, h.eventsOfType(t, "m1", domain.EventDisputeSubmitted), 1)
}

func TestSubmitValidatesForm(t *testing.T) {
	h := newHarness(t)
	h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		form domain.DisputeForm
		code string
	}{
		{"short reason", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: "  too short         "}, "reason_too_short"},
		{"unknown type", domain.DisputeForm{Type: "vibes", Reason: testReason}, "invalid_dispute_type"},
		{"bad url", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason, EvidenceURL: "ftp//nope"}, "invalid_evidence_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.disputes.Submit(ctx, alice, "m1", tt.form)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.code, ve.Code)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
	_, locked := h.ledger.Balances(alice.ID)
	assert.Zero(t, locked)
}

func TestSubmitWindowBoundary(t *testing.T) {
	h := newHarness(t)
	rec := h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 0)
	h.fund(bob, 1000, 0)
	ctx := context.Background()

	h.clock.Set(rec.DisputeWindowEnd.Add(-time.Second))
	h.submit(t, alice, "m1", domain.DisputeEvidence)

	h.clock.Set(rec.DisputeWindowEnd.Add(time.Second))
	_, err := h.disputes.Submit(ctx, bob, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
	assert.ErrorIs(t, err, domain.ErrWindowClosed)
	assert.Equal(t, "window_closed", domain.CodeOf(err))

	available, locked := h.ledger.Balances(bob.ID)
	assert.Equal(t, int64(1000), available)
	assert.Zero(t, locked)
}

func TestSubmitRejectsDuplicateActiveDispute(t *testing.T) {
	h := newHarness(t)
	h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 0)
	ctx := context.Background()

	first := h.submit(t, alice, "m1", domain.DisputeEvidence)
	_, err := h.disputes.Submit(ctx, alice, "m1", domain.DisputeForm{Type: domain.DisputeInterpretation, Reason: testReason})
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveDispute)
	assert.Equal(t, domain.KindStateConflict, domain.KindOf(err))

	_, locked := h.ledger.Balances(alice.ID)
	assert.Equal(t, first.BondAmount, locked)

	// A reviewed dispute is still active.
	_, err = h.disputes.Review(ctx, admin, first.ID)
	require.NoError(t, err)
	_, err = h.disputes.Submit(ctx, alice, "m1", domain.DisputeForm{Type: domain.DisputeInterpretation, Reason: testReason})
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveDispute)
}

func TestSubmitConcurrentDuplicatesCommitOnce(t *testing.T) {
	h := newHarness(t)
	h.proposedMarket(t, "m1")
	h.fund(alice, 10_000, 0)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.disputes.Submit(context.Background(), alice, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrDuplicateActiveDispute) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	available, locked := h.ledger.Balances(alice.ID)
	assert.Equal(t, int64(150), locked)
	assert.Equal(t, int64(10_000-150), available)
}

func TestSubmitInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.proposedMarket(t, "m1")
	h.fund(alice, 100, 0)

	_, err := h.disputes.Submit(context.Background(), alice, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.KindResource, domain.KindOf(err))

	list, err := h.disputes.ListByMarket(context.Background(), "m1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.disputes.ListByMarket(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.MarketStatusPendingResolution, h.market(t, "m1").Status)
}

func TestSubmitReportsGuardBeforeFunds(t *testing.T) {
	h := newHarness(t)
	rec := h.proposedMarket(t, "m1")
	h.fund(alice, 150, 0)
	ctx := context.Background()

	first := h.submit(t, alice, "m1", domain.DisputeEvidence)
	available, _ := h.ledger.Balances(alice.ID)
	require.Zero(t, available)

	_, err := h.disputes.Submit(ctx, alice, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
	assert.Equal(t, "duplicate_active_dispute", domain.CodeOf(err))
	assert.NotErrorIs(t, err, domain.ErrInsufficientFunds)

	h.clock.Set(rec.DisputeWindowEnd.Add(time.Second))
	_, err = h.disputes.Submit(ctx, bob, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
	assert.Equal(t, "window_closed", domain.CodeOf(err))
	assert.NotErrorIs(t, err, domain.ErrInsufficientFunds)

	_, locked := h.ledger.Balances(alice.ID)
	assert.Equal(t, first.BondAmount, locked)
	_, locked = h.ledger.Balances(bob.ID)
	assert.Zero(t, locked)
}

func TestSubmitActiveMarketIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	_, err := h.lifecycle.CreateMarket(context.Background(), admin, "m1", "question")
	require.NoError(t, err)
	h.fund(alice, 1000, 0)

	_, err = h.disputes.Submit(context.Background(), alice, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.MarketStatusActive, te.From)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func TestSubmitRateLimited(t *testing.T) {
	h := newHarness(t, withLimiter(denyLimiter{}, SubmitLimit{Limit: 1, Window: time.Minute}))
	h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 0)

	_, err := h.disputes.Submit(context.Background(), alice, "m1", domain.DisputeForm{Type: domain.DisputeEvidence, Reason: testReason})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestReviewIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.proposedMarket(t, "m1")
	h.fund(alice, 1000, 0)
	ctx := context.Background()
	d := h.submit(t, alice, "m1", domain.DisputeEvidence)

	r1, err := h.disputes.Review(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeReviewed, r1.Status)
	r2, err := h.disputes.Review(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.ReviewedAt, r2.ReviewedAt)
	assert.Len(t, h.eventsOfType(t, "m1", domain.EventDisputeReviewed), 1)

	_, err = h.disputes.Review(ctx, alice, d.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.arb.Decide(ctx, admin, d.ID, domain.DecisionReject, "no supporting evidence was given")
	require.NoError(t, err)
	_, err = h.disputes.Review(ctx, admin, d.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
}

func TestListBySubmitterNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.proposedMarket(t, "m1")
	h.proposedMarket(t, "m2")
	h.fund(alice, 1000, 0)

	first := h.submit(t, alice, "m1", domain.DisputeEvidence)
	h.clock.Advance(time.Minute)
	second := h.submit(t, alice, "m2", domain.DisputeEvidence)

	list, err := h.disputes.ListBySubmitter(context.Background(), alice.ID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}
