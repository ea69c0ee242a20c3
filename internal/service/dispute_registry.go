package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
)

// DefaultMinReasonLen is the minimum trimmed length of a dispute reason.
const DefaultMinReasonLen = 20

// SubmitLimit throttles dispute submissions per submitter. A zero Limit
// disables throttling.
type SubmitLimit struct {
	Limit  int
	Window time.Duration
}

// DisputeRegistry records disputes against resolution records and enforces
// one open dispute per submitter and market.
type DisputeRegistry struct {
	store     domain.Store
	lifecycle *Lifecycle
	stakes    *StakeLedger
	bonds     *BondCalculator
	authz     domain.Authorizer
	limiter   domain.RateLimiter
	limit     SubmitLimit
	minReason int
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// NewDisputeRegistry creates a DisputeRegistry. limiter may be nil.
func NewDisputeRegistry(
	store domain.Store,
	lifecycle *Lifecycle,
	stakes *StakeLedger,
	bonds *BondCalculator,
	authz domain.Authorizer,
	limiter domain.RateLimiter,
	limit SubmitLimit,
	minReason int,
	rec *metrics.Recorder,
	logger *slog.Logger,
) *DisputeRegistry {
	if minReason <= 0 {
		minReason = DefaultMinReasonLen
	}
	return &DisputeRegistry{
		store:     store,
		lifecycle: lifecycle,
		stakes:    stakes,
		bonds:     bonds,
		authz:     authz,
		limiter:   limiter,
		limit:     limit,
		minReason: minReason,
		metrics:   rec,
		logger:    logger.With(slog.String("component", "dispute_registry")),
	}
}

// Submit challenges the market's active resolution. Market, window and
// duplicate guards are checked before the bond is priced. The bond is then
// reserved on the ledger before the market lock is taken and released again
// if the dispute cannot be recorded, so a dispute and its stake exist
// together or not at all.
func (r *DisputeRegistry) Submit(ctx context.Context, p domain.Principal, marketID string, form domain.DisputeForm) (domain.Dispute, error) {
	submittedAt := r.lifecycle.now()
	d, err := r.submit(ctx, p, marketID, form, submittedAt)
	if err != nil {
		r.metrics.DisputeRejected(domain.CodeOf(err))
		return domain.Dispute{}, err
	}
	r.metrics.DisputeSubmitted(string(d.Type))
	return d, nil
}

func (r *DisputeRegistry) submit(ctx context.Context, p domain.Principal, marketID string, form domain.DisputeForm, submittedAt time.Time) (domain.Dispute, error) {
	if err := form.Validate(r.minReason); err != nil {
		return domain.Dispute{}, err
	}
	if err := r.authz.Authorize(ctx, p, domain.ActionSubmitDispute); err != nil {
		return domain.Dispute{}, err
	}
	if err := r.throttle(ctx, p.ID); err != nil {
		return domain.Dispute{}, err
	}

	// Every guard that does not need the ledger runs before the bond is
	// priced or reserved. They run again under the lock.
	m, err := r.store.Markets().Get(ctx, marketID)
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("dispute_registry: load market %s: %w", marketID, err)
	}
	if _, err := r.checkOpen(ctx, r.store, m, p.ID, submittedAt); err != nil {
		return domain.Dispute{}, err
	}

	quote, err := r.bonds.Quote(ctx, p.ID, form.Type)
	if err != nil {
		return domain.Dispute{}, err
	}

	d := domain.Dispute{
		ID:                  uuid.NewString(),
		MarketID:            marketID,
		SubmitterID:         p.ID,
		Type:                form.Type,
		Reason:              strings.TrimSpace(form.Reason),
		EvidenceURL:         form.EvidenceURL,
		EvidenceDescription: form.EvidenceDescription,
		BondAmount:          quote.Amount,
		PolicyVersion:       quote.PolicyVersion,
		Status:              domain.DisputePending,
		CreatedAt:           submittedAt,
	}
	if err := r.stakes.Reserve(ctx, p.ID, d.ID, d.BondAmount); err != nil {
		return domain.Dispute{}, err
	}

	err = r.lifecycle.WithMarket(ctx, marketID, func(tx domain.Tx, m domain.Market) error {
		rec, err := r.checkOpen(ctx, tx, m, p.ID, submittedAt)
		if err != nil {
			return err
		}

		d.ResolutionID = rec.ID
		if err := tx.Disputes().Create(ctx, d); err != nil {
			return fmt.Errorf("dispute_registry: create %s: %w", d.ID, err)
		}
		if _, err := r.stakes.Commit(ctx, tx, d.ID, m.ID, p.ID, d.BondAmount); err != nil {
			return err
		}
		if m.Status == domain.MarketStatusPendingResolution {
			if _, err := r.lifecycle.Transition(ctx, tx, m, domain.MarketStatusDisputing, p.ID); err != nil {
				return err
			}
		}
		return r.lifecycle.appendEvent(ctx, tx, domain.Event{
			MarketID:     m.ID,
			Type:         domain.EventDisputeSubmitted,
			Actor:        p.ID,
			DisputeID:    d.ID,
			ResolutionID: rec.ID,
			Detail: map[string]any{
				"dispute_type":   string(d.Type),
				"bond":           d.BondAmount,
				"policy_version": d.PolicyVersion,
			},
		})
	})
	if err != nil {
		if relErr := r.stakes.Release(context.WithoutCancel(ctx), p.ID, d.ID, d.BondAmount); relErr != nil {
			r.logger.ErrorContext(ctx, "bond release after failed submit",
				slog.String("dispute_id", d.ID),
				slog.String("account", p.ID),
				slog.Int64("amount", d.BondAmount),
				slog.String("error", relErr.Error()),
			)
		}
		return domain.Dispute{}, err
	}

	r.logger.InfoContext(ctx, "dispute submitted",
		slog.String("dispute_id", d.ID),
		slog.String("market_id", marketID),
		slog.String("submitter", p.ID),
		slog.String("type", string(d.Type)),
		slog.Int64("bond", d.BondAmount),
	)
	return d, nil
}

// checkOpen returns the active resolution when submitter may still dispute it
// at the given time, or the first guard that fails.
func (r *DisputeRegistry) checkOpen(ctx context.Context, tx domain.Tx, m domain.Market, submitter string, at time.Time) (domain.ResolutionRecord, error) {
	switch m.Status {
	case domain.MarketStatusPendingResolution, domain.MarketStatusDisputing:
	case domain.MarketStatusResolved:
		return domain.ResolutionRecord{}, fmt.Errorf("dispute_registry: market %s: %w", m.ID, domain.ErrAlreadyResolved)
	default:
		return domain.ResolutionRecord{}, &domain.TransitionError{MarketID: m.ID, From: m.Status, Attempted: "submit dispute"}
	}
	rec, err := tx.Resolutions().Get(ctx, m.ActiveResolutionID)
	if err != nil {
		return domain.ResolutionRecord{}, fmt.Errorf("dispute_registry: load resolution %s: %w", m.ActiveResolutionID, err)
	}
	if rec.Superseded() || rec.Settled() {
		return domain.ResolutionRecord{}, fmt.Errorf("dispute_registry: resolution %s: %w", rec.ID, domain.ErrSupersededResolution)
	}
	if !rec.WindowOpenAt(at) {
		return domain.ResolutionRecord{}, fmt.Errorf("dispute_registry: window ended %s: %w", rec.DisputeWindowEnd.Format(time.RFC3339), domain.ErrWindowClosed)
	}
	if open, err := tx.Disputes().FindOpen(ctx, m.ID, submitter); err == nil {
		return domain.ResolutionRecord{}, fmt.Errorf("dispute_registry: %s holds %s: %w", submitter, open.ID, domain.ErrDuplicateActiveDispute)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.ResolutionRecord{}, fmt.Errorf("dispute_registry: find open dispute: %w", err)
	}
	return rec, nil
}

func (r *DisputeRegistry) throttle(ctx context.Context, submitter string) error {
	if r.limiter == nil || r.limit.Limit <= 0 {
		return nil
	}
	ok, err := r.limiter.Allow(ctx, "dispute:"+submitter, r.limit.Limit, r.limit.Window)
	if err != nil {
		r.logger.WarnContext(ctx, "dispute rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return fmt.Errorf("dispute_registry: %s: %w", submitter, domain.ErrRateLimited)
	}
	return nil
}

// Review marks a pending dispute as reviewed. Reviewing twice is a no-op.
func (r *DisputeRegistry) Review(ctx context.Context, p domain.Principal, disputeID string) (domain.Dispute, error) {
	if err := r.authz.Authorize(ctx, p, domain.ActionReviewDispute); err != nil {
		return domain.Dispute{}, err
	}
	d, err := r.Get(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	err = r.lifecycle.WithMarket(ctx, d.MarketID, func(tx domain.Tx, m domain.Market) error {
		if m.Status == domain.MarketStatusLocked {
			return &domain.TransitionError{MarketID: m.ID, From: m.Status, Attempted: "review dispute"}
		}
		cur, err := tx.Disputes().Get(ctx, disputeID)
		if err != nil {
			return fmt.Errorf("dispute_registry: load %s: %w", disputeID, err)
		}
		switch cur.Status {
		case domain.DisputeReviewed:
			d = cur
			return nil
		case domain.DisputePending:
		default:
			return fmt.Errorf("dispute_registry: review %s (%s): %w", disputeID, cur.Status, domain.ErrAlreadyDecided)
		}
		now := r.lifecycle.now()
		cur.Status = domain.DisputeReviewed
		cur.ReviewedAt = &now
		if err := tx.Disputes().Update(ctx, cur); err != nil {
			return fmt.Errorf("dispute_registry: update %s: %w", disputeID, err)
		}
		d = cur
		return r.lifecycle.appendEvent(ctx, tx, domain.Event{
			MarketID:     m.ID,
			Type:         domain.EventDisputeReviewed,
			Actor:        p.ID,
			DisputeID:    cur.ID,
			ResolutionID: cur.ResolutionID,
		})
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// RecordDecision sets the terminal status of an open dispute inside tx.
func (r *DisputeRegistry) RecordDecision(ctx context.Context, tx domain.Tx, disputeID string, decision domain.Decision, adminID, note string) (domain.Dispute, error) {
	status, ok := decision.Status()
	if !ok {
		return domain.Dispute{}, &domain.ValidationError{Field: "decision", Code: "invalid_decision", Reason: "must be accept or reject"}
	}
	d, err := tx.Disputes().Get(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("dispute_registry: load %s: %w", disputeID, err)
	}
	if !d.Status.Open() {
		return domain.Dispute{}, fmt.Errorf("dispute_registry: decide %s (%s): %w", disputeID, d.Status, domain.ErrAlreadyDecided)
	}
	now := r.lifecycle.now()
	d.Status = status
	d.AdminNote = strings.TrimSpace(note)
	d.DecidedBy = adminID
	d.DecidedAt = &now
	if err := tx.Disputes().Update(ctx, d); err != nil {
		return domain.Dispute{}, fmt.Errorf("dispute_registry: update %s: %w", disputeID, err)
	}
	if err := r.lifecycle.appendEvent(ctx, tx, domain.Event{
		MarketID:     d.MarketID,
		Type:         domain.EventDisputeDecided,
		Actor:        adminID,
		DisputeID:    d.ID,
		ResolutionID: d.ResolutionID,
		Detail:       map[string]any{"decision": string(decision), "note": d.AdminNote},
	}); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// Get returns one dispute.
func (r *DisputeRegistry) Get(ctx context.Context, id string) (domain.Dispute, error) {
	d, err := r.store.Disputes().Get(ctx, id)
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("dispute_registry: get %s: %w", id, err)
	}
	return d, nil
}

// ListByMarket returns every dispute filed on a market, oldest first. An
// unknown market is ErrNotFound.
func (r *DisputeRegistry) ListByMarket(ctx context.Context, marketID string) ([]domain.Dispute, error) {
	if _, err := r.store.Markets().Get(ctx, marketID); err != nil {
		return nil, fmt.Errorf("dispute_registry: list by market %s: %w", marketID, err)
	}
	list, err := r.store.Disputes().ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("dispute_registry: list by market %s: %w", marketID, err)
	}
	return list, nil
}

// ListBySubmitter returns a submitter's disputes, newest first.
func (r *DisputeRegistry) ListBySubmitter(ctx context.Context, submitterID string, opts domain.ListOpts) ([]domain.Dispute, error) {
	list, err := r.store.Disputes().ListBySubmitter(ctx, submitterID, opts)
	if err != nil {
		return nil, fmt.Errorf("dispute_registry: list by submitter %s: %w", submitterID, err)
	}
	return list, nil
}

// Stake returns the stake entry backing a dispute.
func (r *DisputeRegistry) Stake(ctx context.Context, disputeID string) (domain.StakeEntry, error) {
	e, err := r.store.Stakes().Get(ctx, disputeID)
	if err != nil {
		return domain.StakeEntry{}, fmt.Errorf("dispute_registry: stake %s: %w", disputeID, err)
	}
	return e, nil
}
