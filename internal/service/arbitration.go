package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
)

// DefaultMinNoteLen is the minimum trimmed length of an admin note.
const DefaultMinNoteLen = 10

// ArbitrationResult is what a decision changed.
type ArbitrationResult struct {
	Dispute      domain.Dispute      `json:"dispute"`
	Settlement   domain.Settlement   `json:"settlement"`
	MarketStatus domain.MarketStatus `json:"market_status"`
}

// ArbitrationService applies admin decisions. The decision, the stake
// settlement and the market transition commit together or not at all.
type ArbitrationService struct {
	lifecycle *Lifecycle
	disputes  *DisputeRegistry
	stakes    *StakeLedger
	authz     domain.Authorizer
	minNote   int
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// NewArbitrationService creates an ArbitrationService.
func NewArbitrationService(
	lifecycle *Lifecycle,
	disputes *DisputeRegistry,
	stakes *StakeLedger,
	authz domain.Authorizer,
	minNote int,
	rec *metrics.Recorder,
	logger *slog.Logger,
) *ArbitrationService {
	if minNote <= 0 {
		minNote = DefaultMinNoteLen
	}
	return &ArbitrationService{
		lifecycle: lifecycle,
		disputes:  disputes,
		stakes:    stakes,
		authz:     authz,
		minNote:   minNote,
		metrics:   rec,
		logger:    logger.With(slog.String("component", "arbitration")),
	}
}

// Decide records an admin's verdict on a dispute, settles its stake and
// applies the market aggregate: any accepted dispute on the active record
// moves the market to disputed_resolution; once every dispute on it is
// rejected the market resolves on the proposed outcome.
func (s *ArbitrationService) Decide(ctx context.Context, p domain.Principal, disputeID string, decision domain.Decision, note string) (ArbitrationResult, error) {
	if _, ok := decision.Status(); !ok {
		return ArbitrationResult{}, &domain.ValidationError{Field: "decision", Code: "invalid_decision", Reason: "must be accept or reject"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(note)) < s.minNote {
		return ArbitrationResult{}, &domain.ValidationError{Field: "note", Code: "note_too_short", Reason: "must be at least " + strconv.Itoa(s.minNote) + " characters"}
	}
	if err := s.authz.Authorize(ctx, p, domain.ActionDecideDispute); err != nil {
		return ArbitrationResult{}, err
	}
	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return ArbitrationResult{}, err
	}

	var res ArbitrationResult
	err = s.lifecycle.WithMarket(ctx, d.MarketID, func(tx domain.Tx, m domain.Market) error {
		if m.Status == domain.MarketStatusLocked {
			return &domain.TransitionError{MarketID: m.ID, From: m.Status, Attempted: "decide dispute"}
		}
		decided, err := s.disputes.RecordDecision(ctx, tx, disputeID, decision, p.ID, note)
		if err != nil {
			return err
		}
		settlement, err := s.stakes.Settle(ctx, tx, decided, p.ID)
		if err != nil {
			return err
		}
		m, err = s.aggregate(ctx, tx, m, decided.ResolutionID, p.ID)
		if err != nil {
			return err
		}
		res = ArbitrationResult{Dispute: decided, Settlement: settlement, MarketStatus: m.Status}
		return nil
	})
	if err != nil {
		return ArbitrationResult{}, err
	}

	s.metrics.Decision(string(decision))
	s.logger.InfoContext(ctx, "dispute decided",
		slog.String("dispute_id", disputeID),
		slog.String("market_id", d.MarketID),
		slog.String("decision", string(decision)),
		slog.String("admin", p.ID),
		slog.String("market_status", string(res.MarketStatus)),
	)
	return res, nil
}

// aggregate applies the market-level rule for the disputes on one record. It
// only drives the lifecycle for the market's active record; decisions on a
// superseded record settle stakes and nothing else. The rule is commutative:
// any order of the same decisions ends in the same status.
func (s *ArbitrationService) aggregate(ctx context.Context, tx domain.Tx, m domain.Market, resolutionID, actor string) (domain.Market, error) {
	if resolutionID != m.ActiveResolutionID {
		return m, nil
	}
	if m.Status != domain.MarketStatusDisputing {
		// disputed_resolution absorbs further acceptances.
		return m, nil
	}
	disputes, err := tx.Disputes().ListByResolution(ctx, resolutionID)
	if err != nil {
		return m, fmt.Errorf("arbitration: list disputes for %s: %w", resolutionID, err)
	}
	anyAccepted, allRejected := false, len(disputes) > 0
	for _, d := range disputes {
		switch d.Status {
		case domain.DisputeAccepted:
			anyAccepted = true
			allRejected = false
		case domain.DisputeRejected:
		default:
			allRejected = false
		}
	}
	switch {
	case anyAccepted:
		return s.lifecycle.Transition(ctx, tx, m, domain.MarketStatusDisputedResolution, actor)
	case allRejected:
		rec, err := tx.Resolutions().Get(ctx, resolutionID)
		if err != nil {
			return m, fmt.Errorf("arbitration: load resolution %s: %w", resolutionID, err)
		}
		return s.lifecycle.Resolve(ctx, tx, m, rec, actor)
	}
	return m, nil
}
